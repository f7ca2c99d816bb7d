package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/lock"
)

func TestJobBuilder_Validate(t *testing.T) {
	noop := func(context.Context) error { return nil }

	_, err := NewJob("").Schedule("@every 1s").Handler(noop).Build()
	assert.ErrorIs(t, err, ErrJobNameEmpty)

	_, err = NewJob("a").Handler(noop).Build()
	assert.ErrorIs(t, err, ErrScheduleEmpty)

	_, err = NewJob("a").Schedule("@every 1s").Build()
	assert.ErrorIs(t, err, ErrHandlerNil)

	job, err := NewJob("a").Schedule("@every 1s").Handler(noop).Singleton().Distributed().Retry(2, time.Millisecond).Build()
	require.NoError(t, err)
	assert.True(t, job.Singleton)
	assert.True(t, job.Distributed)
	assert.Equal(t, 2, job.RetryCount)
}

func TestScheduler_AddDuplicateAndRemove(t *testing.T) {
	s := MustNew()
	job := NewJob("a").Schedule("@every 1h").Handler(func(context.Context) error { return nil }).MustBuild()

	require.NoError(t, s.Add(job))
	assert.ErrorIs(t, s.Add(job), ErrJobExists)
	assert.Len(t, s.List(), 1)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, got.Timeout)

	require.NoError(t, s.Remove("a"))
	assert.ErrorIs(t, s.Remove("a"), ErrJobNotFound)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := MustNew()
	require.NoError(t, s.Add(NewJob("bad").Schedule("not a cron").Handler(func(context.Context) error { return nil }).MustBuild()))
	assert.ErrorIs(t, s.Start(), ErrScheduleInvalid)
}

func TestScheduler_RunIsSynchronous(t *testing.T) {
	s := MustNew()
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add(NewJob("scan").Schedule("@every 1h").Handler(func(context.Context) error {
		if calls.Add(1) == 1 {
			return boom
		}
		return nil
	}).MustBuild()))

	assert.ErrorIs(t, s.Run(context.Background(), "scan"), boom)
	require.NoError(t, s.Run(context.Background(), "scan"))

	stats := mustGet(t, s, "scan").Stats()
	assert.Equal(t, int64(2), stats.RunCount)
	assert.Equal(t, int64(1), stats.FailCount)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.NoError(t, stats.LastError)

	assert.ErrorIs(t, s.Run(context.Background(), "missing"), ErrJobNotFound)
}

func TestScheduler_RetryUntilSuccess(t *testing.T) {
	s := MustNew()
	var calls atomic.Int32
	require.NoError(t, s.Add(NewJob("flaky").Schedule("@every 1h").Retry(2, time.Millisecond).Handler(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}).MustBuild()))

	require.NoError(t, s.Run(context.Background(), "flaky"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestScheduler_SingletonSkipsOverlap(t *testing.T) {
	var skipped atomic.Int32
	s := MustNew(WithHooks(&Hooks{
		OnSkip: []func(context.Context, *Execution){func(context.Context, *Execution) { skipped.Add(1) }},
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add(NewJob("single").Schedule("@every 1h").Singleton().Handler(func(context.Context) error {
		close(started)
		<-release
		return nil
	}).MustBuild()))

	require.NoError(t, s.Trigger("single"))
	<-started
	assert.True(t, mustGet(t, s, "single").IsRunning())

	assert.ErrorIs(t, s.Run(context.Background(), "single"), ErrJobSkipped)
	assert.Equal(t, int32(1), skipped.Load())

	close(release)
	require.Eventually(t, func() bool { return !mustGet(t, s, "single").IsRunning() }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), mustGet(t, s, "single").Stats().SkipCount)
}

func TestScheduler_DistributedLockHeldElsewhere(t *testing.T) {
	locker := lock.NewMemory()
	s := MustNew(WithLocker(locker), WithLockPrefix("test:"))

	var calls atomic.Int32
	require.NoError(t, s.Add(NewJob("detector").Schedule("@every 1h").Distributed().Handler(func(context.Context) error {
		calls.Add(1)
		return nil
	}).MustBuild()))

	ctx := context.Background()
	acquired, err := locker.TryLock(ctx, "test:detector", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.ErrorIs(t, s.Run(ctx, "detector"), ErrLockHeld)
	assert.Zero(t, calls.Load())

	require.NoError(t, locker.Unlock(ctx, "test:detector"))
	require.NoError(t, s.Run(ctx, "detector"))
	assert.Equal(t, int32(1), calls.Load())

	acquired, err = locker.TryLock(ctx, "test:detector", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "执行完毕应释放锁")
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := MustNew()
	started := make(chan struct{})
	require.NoError(t, s.Add(NewJob("long").Schedule("@every 1h").Handler(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}).MustBuild()))
	require.NoError(t, s.Start())
	assert.True(t, s.Running())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "long") }()
	<-started

	s.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Stop 未取消执行中的任务")
	}

	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Trigger("long"), ErrSchedulerClosed)
	assert.ErrorIs(t, s.Start(), ErrSchedulerClosed)
}

func TestScheduler_ShutdownWaitsForJobs(t *testing.T) {
	s := MustNew()
	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, s.Add(NewJob("short").Schedule("@every 1h").Handler(func(context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}).MustBuild()))

	require.NoError(t, s.Trigger("short"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.True(t, finished.Load())
}

func TestScheduler_CronFires(t *testing.T) {
	var ran atomic.Int32
	s := MustNew()
	require.NoError(t, s.Add(NewJob("tick").Schedule("@every 1s").Handler(func(context.Context) error {
		ran.Add(1)
		return nil
	}).MustBuild()))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return ran.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
}

func mustGet(t *testing.T, s Scheduler, name string) *Job {
	t.Helper()
	job, ok := s.Get(name)
	require.True(t, ok)
	return job
}
