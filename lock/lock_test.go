package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_TryLock(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client, WithOwnerID("a"))
	b := NewRedis(client, WithOwnerID("b"))

	acquired, err := a.TryLock(ctx, "detector", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, a.IsHeld("detector"))

	value, err := mr.Get("lock:detector")
	require.NoError(t, err)
	assert.Equal(t, "a", value)
	assert.Equal(t, time.Minute, mr.TTL("lock:detector"))

	acquired, err = b.TryLock(ctx, "detector", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, b.IsHeld("detector"))
}

func TestRedis_UnlockOnlyByOwner(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client, WithOwnerID("a"))
	b := NewRedis(client, WithOwnerID("b"))

	_, err := a.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Unlock(ctx, "k"), ErrLockNotHeld)
	assert.True(t, mr.Exists("lock:k"))

	require.NoError(t, a.Unlock(ctx, "k"))
	assert.False(t, mr.Exists("lock:k"))
	assert.False(t, a.IsHeld("k"))
	assert.ErrorIs(t, a.Unlock(ctx, "k"), ErrLockNotHeld)
}

func TestRedis_UnlockAfterExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client, WithOwnerID("a"))
	b := NewRedis(client, WithOwnerID("b"))

	_, err := a.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	acquired, err := b.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.ErrorIs(t, a.Unlock(ctx, "k"), ErrLockNotHeld)
	value, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "b", value, "过期后的旧持有者不能删除新持有者的锁")
}

func TestRedis_Extend(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client, WithKeyPrefix("saga:lock:"))
	assert.ErrorIs(t, a.Extend(ctx, "k", time.Minute), ErrLockNotHeld)

	_, err := a.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Extend(ctx, "k", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("saga:lock:k"))

	mr.FastForward(2 * time.Hour)
	assert.ErrorIs(t, a.Extend(ctx, "k", time.Hour), ErrLockExpired)
	assert.False(t, a.IsHeld("k"))
}

func TestRedis_LockWaitsForRelease(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client)
	b := NewRedis(client, WithRetryWait(5*time.Millisecond))

	require.NoError(t, a.Lock(ctx, "k", time.Minute))

	done := make(chan error, 1)
	go func() { done <- b.Lock(ctx, "k", time.Minute) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Unlock(ctx, "k"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Lock 未在释放后获取成功")
	}
	assert.True(t, b.IsHeld("k"))
}

func TestRedis_LockMaxRetries(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedis(client)
	b := NewRedis(client, WithRetryWait(time.Millisecond), WithMaxRetries(3))

	require.NoError(t, a.Lock(ctx, "k", time.Minute))
	assert.ErrorIs(t, b.Lock(ctx, "k", time.Minute), ErrLockNotAcquired)
}

func TestRedis_LockContextCancelled(t *testing.T) {
	_, client := newTestRedis(t)

	a := NewRedis(client)
	b := NewRedis(client, WithRetryWait(time.Millisecond))
	require.NoError(t, a.Lock(context.Background(), "k", time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx, "k", time.Minute), context.DeadlineExceeded)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	acquired, err := m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, m.Extend(ctx, "k", time.Hour))
	now = now.Add(30 * time.Minute)
	acquired, err = m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, m.Unlock(ctx, "k"))
	assert.ErrorIs(t, m.Unlock(ctx, "k"), ErrLockNotHeld)

	_, err = m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, m.Extend(ctx, "k", time.Minute), ErrLockExpired)
}

func TestTryWithLock(t *testing.T) {
	ctx := context.Background()
	locker := NewMemory()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	var skipped atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := TryWithLock(ctx, locker, "job", time.Minute, func() error {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				<-release
				running.Add(-1)
				return nil
			})
			if errors.Is(err, ErrLockNotAcquired) {
				skipped.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return skipped.Load() == 4 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())

	acquired, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "TryWithLock 执行完毕应释放锁")
}

func TestWithLockPropagatesError(t *testing.T) {
	ctx := context.Background()
	locker := NewMemory()
	boom := errors.New("boom")

	err := WithLock(ctx, locker, "job", time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	acquired, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
