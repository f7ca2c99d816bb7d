package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/messaging"
)

const testType Type = "order"

// published 一条已发布的命令.
type published struct {
	subject string
	payload map[string]any
}

// fakeBus 记录发布的命令，可按主题注入发布失败.
type fakeBus struct {
	mu        sync.Mutex
	published []published
	failOn    map[string]error
	subs      map[string]messaging.Handler
	groups    map[string]string
	onPublish func(subject string)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		failOn: make(map[string]error),
		subs:   make(map[string]messaging.Handler),
		groups: make(map[string]string),
	}
}

func (b *fakeBus) Publish(_ context.Context, subject string, data any, _ ...messaging.PublishOption) error {
	b.mu.Lock()
	if err := b.failOn[subject]; err != nil {
		b.mu.Unlock()
		return err
	}
	payload, _ := data.(map[string]any)
	b.published = append(b.published, published{subject: subject, payload: payload})
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(subject)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, subject, group string, handler messaging.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[subject] = handler
	b.groups[subject] = group
	return nil
}

func (b *fakeBus) fail(subject string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOn[subject] = err
}

// hook 在每次成功发布后同步回调，用于在发布过程中投递事件.
func (b *fakeBus) hook(fn func(subject string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

func (b *fakeBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.published))
	for i, p := range b.published {
		out[i] = p.subject
	}
	return out
}

func (b *fakeBus) last(subject string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].subject == subject {
			return b.published[i].payload
		}
	}
	return nil
}

// testDefinition 四步订单: reserve(可补偿) → check → charge(可补偿) → ship，
// gift 步骤仅在 gift=true 时执行.
func testDefinition() Definition {
	return Definition{
		Type:     testType,
		Priority: PriorityMedium,
		Steps: []Step{
			{State: "RESERVED", Command: "reserve", Completed: "reserved", Compensation: "unreserve", CompensationFields: []string{"reservationId"}},
			{State: "CHECKED", Command: "check", Completed: "checked"},
			{State: "WRAPPED", Command: "wrap-gift", Completed: "gift-wrapped", Skip: func(st *State) bool {
				gift, _ := st.Metadata["gift"].(bool)
				return !gift
			}},
			{State: "CHARGED", Command: "charge", Completed: "charged", Compensation: "refund"},
			{State: "SHIPPED", Command: "ship", Completed: "shipped", Fields: []string{"orderId"}},
		},
		Notify: "order-notify",
		Seed: func(req map[string]any) (Seed, error) {
			orderID, _ := req["orderId"].(string)
			if orderID == "" {
				return Seed{}, errors.New("orderId required")
			}
			return Seed{Metadata: req, UserID: "u1", UserEmail: "u1@example.com"}, nil
		},
	}
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *testClock
	store   *MemoryStore
	bus     *fakeBus
	journal *MemoryJournal
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := newTestClock()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   NewMemoryStore(WithStoreClock(clock.Now)),
		bus:     newFakeBus(),
		journal: NewMemoryJournal(),
	}
	t.Cleanup(func() { h.store.Close() })

	base := []Option{WithClock(clock.Now), WithJournal(h.journal)}
	orch, err := NewOrchestrator(testDefinition(), h.store, h.bus, append(base, opts...)...)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) start(req map[string]any) *State {
	h.t.Helper()
	if req == nil {
		req = map[string]any{"orderId": "o1"}
	}
	st, err := h.orch.Start(h.ctx, req)
	require.NoError(h.t, err)
	return st
}

func (h *harness) deliver(sagaID, subject string, fields map[string]any) {
	h.t.Helper()
	event := map[string]any{"sagaId": sagaID}
	for k, v := range fields {
		event[k] = v
	}
	data, err := json.Marshal(event)
	require.NoError(h.t, err)
	require.NoError(h.t, h.orch.HandleEvent(h.ctx, subject, data))
}

func (h *harness) get(sagaID string) *State {
	h.t.Helper()
	st, err := h.store.Get(h.ctx, testType, sagaID)
	require.NoError(h.t, err)
	return st
}

func (h *harness) events(sagaID string) []string {
	entries, _ := h.journal.List(h.ctx, sagaID)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func TestOrchestrator_ForwardProgression(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	assert.Equal(t, StateStarted, st.State)
	assert.Equal(t, PriorityMedium, st.Priority)
	assert.Equal(t, []string{"reserve"}, h.bus.subjects())
	assert.Equal(t, st.SagaID, h.bus.last("reserve")["sagaId"])

	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r1"})
	assert.Equal(t, "RESERVED", h.get(st.SagaID).State)
	assert.Equal(t, "r1", h.get(st.SagaID).MetadataString("reservationId"))

	h.deliver(st.SagaID, "checked", nil)
	h.deliver(st.SagaID, "charged", map[string]any{"status": "OK"})
	assert.Equal(t, "CHARGED", h.get(st.SagaID).State)

	h.deliver(st.SagaID, "shipped", nil)
	final := h.get(st.SagaID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, []string{"RESERVED", "CHECKED", "CHARGED", "SHIPPED"}, final.CompletedSteps)
	assert.False(t, final.CompensationRequired)

	assert.Equal(t, []string{"reserve", "check", "charge", "ship", "order-notify"}, h.bus.subjects())
	assert.Equal(t, map[string]any{
		"sagaId":    st.SagaID,
		"sagaType":  string(testType),
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339Nano),
		"orderId":   "o1",
		"userId":    "u1",
		"userEmail": "u1@example.com",
	}, h.bus.last("ship"))

	active, err := h.orch.Active(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Contains(t, h.events(st.SagaID), EventStepSkipped)
	assert.Contains(t, h.events(st.SagaID), EventCompleted)
}

func TestOrchestrator_ConditionalStepRunsWhenEnabled(t *testing.T) {
	h := newHarness(t)
	st := h.start(map[string]any{"orderId": "o1", "gift": true})

	h.deliver(st.SagaID, "reserved", nil)
	h.deliver(st.SagaID, "checked", nil)
	assert.Equal(t, "wrap-gift", h.bus.subjects()[2])

	h.deliver(st.SagaID, "charged", nil)
	assert.Equal(t, "CHECKED", h.get(st.SagaID).State, "charged 在 WRAPPED 之前到达应被忽略")

	h.deliver(st.SagaID, "gift-wrapped", nil)
	h.deliver(st.SagaID, "charged", nil)
	assert.Equal(t, "CHARGED", h.get(st.SagaID).State)
}

func TestOrchestrator_DuplicateEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)

	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r1"})
	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r2"})

	got := h.get(st.SagaID)
	assert.Equal(t, []string{"RESERVED"}, got.CompletedSteps)
	assert.Equal(t, "r1", got.MetadataString("reservationId"))
	assert.Equal(t, []string{"reserve", "check"}, h.bus.subjects())
	assert.Contains(t, h.events(st.SagaID), EventDuplicateIgnored)
}

func TestOrchestrator_OutOfOrderEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)

	h.deliver(st.SagaID, "charged", nil)

	got := h.get(st.SagaID)
	assert.Equal(t, StateStarted, got.State)
	assert.Empty(t, got.CompletedSteps)
	assert.Equal(t, []string{"reserve"}, h.bus.subjects())
}

func TestOrchestrator_UnknownAndTerminalEventsAreAcked(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.orch.HandleEvent(h.ctx, "reserved", []byte(`{"sagaId":"nope"}`)))
	assert.NoError(t, h.orch.HandleEvent(h.ctx, "reserved", []byte(`not json`)))
	assert.NoError(t, h.orch.HandleEvent(h.ctx, "reserved", []byte(`{}`)))
	assert.NoError(t, h.orch.HandleEvent(h.ctx, "unrelated", []byte(`{"sagaId":"nope"}`)))
	assert.Empty(t, h.bus.subjects())

	st := h.start(nil)
	require.NoError(t, h.orch.Cancel(h.ctx, st.SagaID, "test"))
	before := h.get(st.SagaID)
	published := len(h.bus.subjects())

	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "late"})
	after := h.get(st.SagaID)
	assert.Equal(t, before, after)
	assert.Len(t, h.bus.subjects(), published)
}

func TestOrchestrator_StepFailureCompensatesInReverse(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)

	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r1"})
	h.deliver(st.SagaID, "checked", nil)
	h.deliver(st.SagaID, "charged", nil)
	h.deliver(st.SagaID, "shipped", map[string]any{"status": "FAILED", "error": "carrier unavailable"})

	got := h.get(st.SagaID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "carrier unavailable", got.Error)
	assert.True(t, got.CompensationRequired)

	subjects := h.bus.subjects()
	assert.Equal(t, []string{"refund", "unreserve"}, subjects[len(subjects)-2:])
	assert.Equal(t, "r1", h.bus.last("unreserve")["reservationId"])
	assert.NotContains(t, subjects, "order-notify")
}

func TestOrchestrator_ValidationFailureFlags(t *testing.T) {
	for _, fields := range []map[string]any{
		{"isValid": false},
		{"success": false, "reason": "declined"},
		{"status": "failed"},
	} {
		h := newHarness(t)
		st := h.start(nil)
		h.deliver(st.SagaID, "reserved", fields)

		got := h.get(st.SagaID)
		assert.Equal(t, StateFailed, got.State, "%v", fields)
		assert.Empty(t, got.CompletedSteps)
		assert.Equal(t, []string{"reserve"}, h.bus.subjects(), "未完成的步骤不需要补偿")
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r1"})
	h.deliver(st.SagaID, "checked", nil)

	require.NoError(t, h.orch.Cancel(h.ctx, st.SagaID, "buyer changed mind"))

	got := h.get(st.SagaID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "buyer changed mind", got.CancelReason)
	assert.Equal(t, []string{"reserve", "check", "charge", "unreserve"}, h.bus.subjects())

	assert.ErrorIs(t, h.orch.Cancel(h.ctx, st.SagaID, "again"), ErrAlreadyTerminal)
	assert.ErrorIs(t, h.orch.Cancel(h.ctx, "missing", "x"), ErrSagaNotFound)
}

func TestOrchestrator_CancelCompletedIsRejected(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	for _, subject := range []string{"reserved", "checked", "charged", "shipped"} {
		h.deliver(st.SagaID, subject, nil)
	}
	before := h.get(st.SagaID)
	published := len(h.bus.subjects())

	err := h.orch.Cancel(h.ctx, st.SagaID, "too late")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, before, h.get(st.SagaID))
	assert.Len(t, h.bus.subjects(), published)
}

func TestOrchestrator_HandleTimeout(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	require.NoError(t, h.orch.HandleTimeout(h.ctx, st.SagaID))

	got := h.get(st.SagaID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "Saga timeout", got.Error)
	assert.Equal(t, "unreserve", h.bus.subjects()[len(h.bus.subjects())-1])
	assert.Contains(t, h.events(st.SagaID), EventTimedOut)

	assert.ErrorIs(t, h.orch.HandleTimeout(h.ctx, st.SagaID), ErrAlreadyTerminal)
}

func TestOrchestrator_RetryResumesFromCurrentState(t *testing.T) {
	h := newHarness(t, WithTimeout(10*time.Minute))
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	h.clock.Advance(15 * time.Minute)
	require.NoError(t, h.orch.Retry(h.ctx, st.SagaID))

	got := h.get(st.SagaID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "RESERVED", got.State)
	assert.True(t, got.TimeoutAt.Equal(h.clock.Now().Add(10*time.Minute)))
	assert.Equal(t, []string{"reserve", "check", "check"}, h.bus.subjects())
}

func TestOrchestrator_RetryBound(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	for i := 1; i <= DefaultMaxRetries; i++ {
		require.NoError(t, h.orch.Retry(h.ctx, st.SagaID))
		assert.Equal(t, i, h.get(st.SagaID).RetryCount)
	}

	err := h.orch.Retry(h.ctx, st.SagaID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.EqualError(t, err, "saga: exceeded maximum retry attempts")

	got := h.get(st.SagaID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, DefaultMaxRetries, got.RetryCount)
	assert.True(t, got.RetriesExhausted)
	assert.Equal(t, MaxRetriesExceeded, got.Error)
	assert.Equal(t, "unreserve", h.bus.subjects()[len(h.bus.subjects())-1])

	assert.ErrorIs(t, h.orch.Retry(h.ctx, st.SagaID), ErrAlreadyTerminal)
	assert.ErrorIs(t, h.orch.Retry(h.ctx, "missing"), ErrSagaNotFound)
}

func TestOrchestrator_RetryFinishesInterruptedCompensation(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	_, err := h.store.Update(h.ctx, testType, st.SagaID, func(s *State) error {
		s.CompensationRequired = true
		s.Error = "charge declined"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Retry(h.ctx, st.SagaID))

	got := h.get(st.SagaID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "charge declined", got.Error)
	assert.Equal(t, []string{"reserve", "check", "unreserve"}, h.bus.subjects())
}

func TestOrchestrator_StartPublishFailureMarksFailed(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "fixed" }))
	h.bus.fail("reserve", messaging.ErrPublishFailed)

	_, err := h.orch.Start(h.ctx, map[string]any{"orderId": "o1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrPublishFailed)

	got := h.get("fixed")
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "reserve")

	active, err := h.store.ListActive(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOrchestrator_StartRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(h.ctx, map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.bus.subjects())
}

func TestOrchestrator_NextCommandPublishFailureFailsSaga(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.bus.fail("check", messaging.ErrCircuitOpen)

	h.deliver(st.SagaID, "reserved", nil)

	got := h.get(st.SagaID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, []string{"reserve", "unreserve"}, h.bus.subjects())
}

func TestOrchestrator_CompensationPublishFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)
	h.deliver(st.SagaID, "checked", nil)
	h.deliver(st.SagaID, "charged", nil)
	h.bus.fail("refund", errors.New("bus down"))

	require.NoError(t, h.orch.Cancel(h.ctx, st.SagaID, "fraud"))

	got := h.get(st.SagaID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, []string{"refund"}, got.FailedCompensations)
	assert.Equal(t, "unreserve", h.bus.subjects()[len(h.bus.subjects())-1])

	failures, err := h.journal.Recent(h.ctx, EventCompensationFailed, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "refund", failures[0].Subject)
}

func TestOrchestrator_CompletionDuringCompensationDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", map[string]any{"reservationId": "r1"})
	h.deliver(st.SagaID, "checked", nil)

	h.bus.hook(func(subject string) {
		if subject == "unreserve" {
			h.deliver(st.SagaID, "charged", map[string]any{"paymentId": "p1"})
		}
	})
	require.NoError(t, h.orch.Cancel(h.ctx, st.SagaID, "buyer changed mind"))

	got := h.get(st.SagaID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, []string{"RESERVED", "CHECKED"}, got.CompletedSteps)
	assert.Equal(t, []string{"reserve", "check", "charge", "unreserve", "refund"}, h.bus.subjects())
	assert.Equal(t, "p1", h.bus.last("refund")["paymentId"])
}

func TestOrchestrator_FailureDuringCompensationIsAcked(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)
	h.deliver(st.SagaID, "checked", nil)

	h.bus.hook(func(subject string) {
		if subject == "unreserve" {
			h.deliver(st.SagaID, "charged", map[string]any{"status": "FAILED", "error": "card declined"})
		}
	})
	require.NoError(t, h.orch.Cancel(h.ctx, st.SagaID, "buyer changed mind"))

	got := h.get(st.SagaID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, []string{"reserve", "check", "charge", "unreserve"}, h.bus.subjects())
	assert.Contains(t, h.events(st.SagaID), EventDuplicateIgnored)
}

func TestOrchestrator_AdvanceStopsOnceCompensationClaimed(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	stale := h.get(st.SagaID)
	_, err := h.store.Update(h.ctx, testType, st.SagaID, func(s *State) error {
		s.CompensationRequired = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.advance(h.ctx, stale))
	assert.Equal(t, []string{"reserve"}, h.bus.subjects())
}

func TestOrchestrator_CompensationClaimedOnce(t *testing.T) {
	h := newHarness(t)
	st := h.start(nil)
	h.deliver(st.SagaID, "reserved", nil)

	current := h.get(st.SagaID)
	require.NoError(t, h.orch.compensate(h.ctx, current, false))
	require.NoError(t, h.orch.compensate(h.ctx, current, false))

	count := 0
	for _, s := range h.bus.subjects() {
		if s == "unreserve" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestOrchestrator_Listen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Listen(h.ctx))

	assert.Len(t, h.bus.subs, 5)
	assert.Equal(t, "order-saga", h.bus.groups["reserved"])

	st := h.start(nil)
	msg := &messaging.Message{Subject: "reserved", Data: []byte(`{"sagaId":"` + st.SagaID + `"}`)}
	require.NoError(t, h.bus.subs["reserved"](h.ctx, msg))
	assert.Equal(t, "RESERVED", h.get(st.SagaID).State)
}

func TestNewOrchestrator_InvalidDefinition(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	def := testDefinition()
	def.Steps[1].State = "RESERVED"
	_, err := NewOrchestrator(def, store, newFakeBus())
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	def = testDefinition()
	def.Seed = nil
	_, err = NewOrchestrator(def, store, newFakeBus())
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewOrchestrator(testDefinition(), nil, newFakeBus())
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	registry, err := NewRegistry(h.orch)
	require.NoError(t, err)

	assert.ErrorIs(t, registry.Register(h.orch), ErrInvalidDefinition)
	_, err = registry.Get("unknown")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, []Type{testType}, registry.Types())

	st := h.start(nil)
	found, err := registry.Find(h.ctx, st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, testType, found.SagaType)

	_, err = registry.Find(h.ctx, "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}
