package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/lock"
	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/saga"
	"github.com/Tsukikage7/auction-saga/sagas"
	"github.com/Tsukikage7/auction-saga/scheduler"
)

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (b *fakeBus) Publish(_ context.Context, subject string, _ any, _ ...messaging.PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, string, messaging.Handler) error { return nil }

func (b *fakeBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ctx      context.Context
	clock    *clock
	store    *saga.MemoryStore
	bus      *fakeBus
	registry *saga.Registry
	detector *Detector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		clock: &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		bus:   &fakeBus{},
	}
	h.store = saga.NewMemoryStore(saga.WithStoreClock(h.clock.Now))
	t.Cleanup(func() { h.store.Close() })

	registry, err := sagas.NewRegistry(h.store, h.bus, saga.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.registry = registry
	h.detector = New(h.store, registry, WithClock(h.clock.Now))
	return h
}

func (h *harness) startBid(t *testing.T, bidID string) *saga.State {
	t.Helper()
	o, err := h.registry.Get(saga.TypeBidPlacement)
	require.NoError(t, err)
	st, err := o.Start(h.ctx, map[string]any{
		"bidId":     bidID,
		"userId":    "u1",
		"listingId": "l1",
		"bidAmount": 150.0,
	})
	require.NoError(t, err)
	return st
}

func TestScan_NothingStalled(t *testing.T) {
	h := newHarness(t)
	h.startBid(t, "b1")

	report, err := h.detector.Scan(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Outcomes)
}

func TestScan_RetriesOrFailsStalledSagas(t *testing.T) {
	h := newHarness(t)
	fresh := h.startBid(t, "b1")
	spent := h.startBid(t, "b2")

	for i := 0; i < saga.DefaultMaxRetries; i++ {
		allowed, err := h.store.IncrementRetry(h.ctx, saga.TypeBidPlacement, spent.SagaID)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	h.clock.Advance(saga.DefaultTimeout + time.Minute)

	report, err := h.detector.Scan(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Exhausted)
	assert.Zero(t, report.Errors)

	results := map[string]string{}
	for _, o := range report.Outcomes {
		results[o.SagaID] = o.Result
	}
	assert.Equal(t, ResultRetried, results[fresh.SagaID])
	assert.Equal(t, ResultExhausted, results[spent.SagaID])

	st, err := h.store.Get(h.ctx, saga.TypeBidPlacement, fresh.SagaID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RetryCount)
	assert.True(t, st.TimeoutAt.After(h.clock.Now()), "重试后 timeoutAt 应被刷新")
	assert.Equal(t, 3, h.bus.count("validate-bid"), "两次启动加一次重试")

	st, err = h.store.Get(h.ctx, saga.TypeBidPlacement, spent.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Equal(t, saga.MaxRetriesExceeded, st.Error)
	assert.True(t, st.RetriesExhausted)

	again, err := h.detector.Scan(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Scanned, "重试后的 Saga 不再超时")
}

func TestScan_PublishFailureIsReportedAndSagaStaysActive(t *testing.T) {
	h := newHarness(t)
	st := h.startBid(t, "b1")
	h.clock.Advance(saga.DefaultTimeout + time.Minute)
	h.bus.err = errors.New("bus down")

	report, err := h.detector.Scan(h.ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ResultError, report.Outcomes[0].Result)
	assert.Contains(t, report.Outcomes[0].Error, "bus down")

	cur, err := h.store.Get(h.ctx, saga.TypeBidPlacement, st.SagaID)
	require.NoError(t, err)
	assert.False(t, cur.IsTerminal())
	assert.Equal(t, 1, cur.RetryCount)
}

func TestScan_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.startBid(t, "b1")
	h.clock.Advance(saga.DefaultTimeout + time.Minute)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	report, err := h.detector.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, report.Scanned)
}

func TestJob_RunsUnderSchedulerLock(t *testing.T) {
	h := newHarness(t)
	h.startBid(t, "b1")
	h.clock.Advance(saga.DefaultTimeout + time.Minute)

	locker := lock.NewMemory()
	s := scheduler.MustNew(scheduler.WithLocker(locker))
	job := h.detector.Job("")
	assert.Equal(t, DefaultSchedule, job.Schedule)
	assert.True(t, job.Singleton)
	assert.True(t, job.Distributed)
	require.NoError(t, s.Add(job))

	acquired, err := locker.TryLock(h.ctx, "scheduler:"+JobName, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.ErrorIs(t, s.Run(h.ctx, JobName), scheduler.ErrLockHeld)
	assert.Equal(t, 1, h.bus.count("validate-bid"))

	require.NoError(t, locker.Unlock(h.ctx, "scheduler:"+JobName))
	require.NoError(t, s.Run(h.ctx, JobName))
	assert.Equal(t, 2, h.bus.count("validate-bid"))
}
