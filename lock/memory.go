package lock

import (
	"context"
	"sync"
	"time"
)

// Memory 进程内锁，用于单副本部署和测试.
type Memory struct {
	mu        sync.Mutex
	locks     map[string]time.Time
	retryWait time.Duration
	now       func() time.Time
}

// NewMemory 创建进程内锁.
func NewMemory() *Memory {
	return &Memory{
		locks:     make(map[string]time.Time),
		retryWait: 10 * time.Millisecond,
		now:       time.Now,
	}
}

// TryLock 尝试获取锁.
func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expireAt, ok := m.locks[key]; ok && now.Before(expireAt) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

// Lock 获取锁（阻塞）.
func (m *Memory) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return acquire(ctx, m, key, ttl, m.retryWait, 0)
}

// Unlock 释放锁.
func (m *Memory) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expireAt, ok := m.locks[key]
	delete(m.locks, key)
	if !ok || !m.now().Before(expireAt) {
		return ErrLockNotHeld
	}
	return nil
}

// Extend 延长锁的过期时间.
func (m *Memory) Extend(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expireAt, ok := m.locks[key]
	if !ok {
		return ErrLockNotHeld
	}
	now := m.now()
	if !now.Before(expireAt) {
		delete(m.locks, key)
		return ErrLockExpired
	}
	m.locks[key] = now.Add(ttl)
	return nil
}
