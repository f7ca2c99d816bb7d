// Package retry 提供带退避策略的重试机制.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 默认配置值.
const (
	DefaultMaxRetries = 3
	DefaultDelay      = 100 * time.Millisecond
)

// ErrMaxAttempts 已达到最大重试次数.
var ErrMaxAttempts = errors.New("retry: 已达到最大重试次数")

// BackoffFunc 计算第 attempt 次失败后的等待时间（attempt 从 0 开始）.
type BackoffFunc func(attempt int, delay time.Duration) time.Duration

// RetryableFunc 判断错误是否应该重试.
type RetryableFunc func(err error) bool

// OnRetryFunc 每次重试前的回调.
type OnRetryFunc func(attempt int, wait time.Duration, err error)

// FixedBackoff 固定退避策略.
func FixedBackoff(_ int, delay time.Duration) time.Duration {
	return delay
}

// ExponentialBackoff 指数退避策略: delay * 2^attempt.
func ExponentialBackoff(attempt int, delay time.Duration) time.Duration {
	return delay * time.Duration(1<<uint(attempt))
}

// LinearBackoff 线性退避策略.
func LinearBackoff(attempt int, delay time.Duration) time.Duration {
	return delay * time.Duration(attempt+1)
}

// AlwaysRetry 总是重试.
func AlwaysRetry(_ error) bool {
	return true
}

// Retry 重试器.
type Retry struct {
	ctx        context.Context
	fn         func(attempt int) error
	maxRetries int
	delay      time.Duration
	backoff    BackoffFunc
	retryable  RetryableFunc
	onRetry    OnRetryFunc
	sleep      func(ctx context.Context, d time.Duration) error
}

// Do 创建重试器，fn 首次执行失败后最多再重试 maxRetries 次.
//
// 使用示例:
//
//	err := retry.Do(ctx, func(attempt int) error {
//	    return publish()
//	}).WithMaxRetries(3).WithDelay(100 * time.Millisecond).WithBackoff(retry.ExponentialBackoff).Run()
func Do(ctx context.Context, fn func(attempt int) error) *Retry {
	return &Retry{
		ctx:        ctx,
		fn:         fn,
		maxRetries: DefaultMaxRetries,
		delay:      DefaultDelay,
		backoff:    ExponentialBackoff,
		retryable:  AlwaysRetry,
		sleep:      sleepContext,
	}
}

// WithMaxRetries 设置最大重试次数，0 表示只执行一次.
func (r *Retry) WithMaxRetries(n int) *Retry {
	if n >= 0 {
		r.maxRetries = n
	}
	return r
}

// WithDelay 设置退避基数.
func (r *Retry) WithDelay(d time.Duration) *Retry {
	r.delay = d
	return r
}

// WithBackoff 设置退避策略.
func (r *Retry) WithBackoff(fn BackoffFunc) *Retry {
	if fn != nil {
		r.backoff = fn
	}
	return r
}

// WithRetryable 设置重试判断函数.
func (r *Retry) WithRetryable(fn RetryableFunc) *Retry {
	if fn != nil {
		r.retryable = fn
	}
	return r
}

// OnRetry 设置重试回调.
func (r *Retry) OnRetry(fn OnRetryFunc) *Retry {
	r.onRetry = fn
	return r
}

// WithSleep 替换等待函数，测试中用于跳过真实等待.
func (r *Retry) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retry {
	if fn != nil {
		r.sleep = fn
	}
	return r
}

// Run 执行重试.
//
// 全部失败时返回的错误同时包裹 ErrMaxAttempts 与最后一次的错误.
func (r *Retry) Run() error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		lastErr = r.fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
		if attempt == r.maxRetries {
			break
		}

		wait := r.backoff(attempt, r.delay)
		if r.onRetry != nil {
			r.onRetry(attempt+1, wait, lastErr)
		}
		if err := r.sleep(r.ctx, wait); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
