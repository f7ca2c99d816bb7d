// Package lock 提供分布式锁实现.
//
// 检测器等后台任务在多副本部署时借助锁保证同一时刻只有一个副本执行:
//
//	locker := lock.NewRedis(redisClient, lock.WithKeyPrefix("saga:lock:"))
//
//	err := lock.TryWithLock(ctx, locker, "stalled-detector", time.Minute, func() error {
//	    return detector.Scan(ctx)
//	})
//	if errors.Is(err, lock.ErrLockNotAcquired) {
//	    // 其他副本正在执行
//	}
package lock

import (
	"context"
	"time"
)

// Locker 分布式锁接口.
type Locker interface {
	// TryLock 尝试获取锁，锁已被持有时立即返回 false.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Lock 阻塞获取锁，直到成功或 context 取消.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock 释放锁.
	//
	// 只有锁的持有者才能释放锁，否则返回 ErrLockNotHeld.
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间，只有锁的持有者才能延长.
	Extend(ctx context.Context, key string, ttl time.Duration) error
}

// WithLock 阻塞获取锁后执行 fn，执行完毕释放锁.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func() error) error {
	if err := locker.Lock(ctx, key, ttl); err != nil {
		return err
	}
	defer locker.Unlock(context.WithoutCancel(ctx), key)

	return fn()
}

// TryWithLock 非阻塞版本，无法立即获取锁时返回 ErrLockNotAcquired.
func TryWithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func() error) error {
	acquired, err := locker.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer locker.Unlock(context.WithoutCancel(ctx), key)

	return fn()
}
