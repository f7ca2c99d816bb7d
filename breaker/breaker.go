// Package breaker 提供熔断器，保护对下游服务与消息总线的调用.
//
// 状态机:
//
//	CLOSED --(窗口内失败数达到阈值)--> OPEN --(resetTimeout 到期后的首次放行)--> HALF_OPEN
//	HALF_OPEN --(成功)--> CLOSED
//	HALF_OPEN --(失败)--> OPEN
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
)

// State 熔断器状态.
type State string

// 熔断器状态常量.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// gaugeValue 返回状态对应的指标值.
func (s State) gaugeValue() int {
	switch s {
	case StateOpen:
		return metrics.BreakerOpen
	case StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// Health 单个受保护资源的健康状况.
type Health struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
	LastSuccessTime time.Time `json:"lastSuccessTime,omitzero"`
	NextAttemptTime time.Time `json:"nextAttemptTime,omitzero"`
}

// Decision 放行判定结果.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	State      State         `json:"state"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Breaker 单资源熔断器，并发安全.
type Breaker struct {
	name   string
	opts   *options
	mu     sync.Mutex
	health Health
}

// New 创建熔断器.
func New(name string, opts ...Option) *Breaker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.config.normalize()

	b := &Breaker{
		name:   name,
		opts:   o,
		health: Health{State: StateClosed},
	}
	o.metrics.SetBreakerState(name, metrics.BreakerClosed)
	return b
}

// Name 返回熔断器名称.
func (b *Breaker) Name() string {
	return b.name
}

// Config 返回生效的配置.
func (b *Breaker) Config() Config {
	return b.opts.config
}

// Allow 判断当前是否允许调用.
//
// OPEN 状态下到达 nextAttemptTime 后放行一次并切换到 HALF_OPEN.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.now()
	switch b.health.State {
	case StateOpen:
		if now.Before(b.health.NextAttemptTime) {
			return Decision{
				Allowed:    false,
				State:      StateOpen,
				Reason:     "circuit_open",
				RetryAfter: b.health.NextAttemptTime.Sub(now),
			}
		}
		b.transition(StateHalfOpen)
		return Decision{Allowed: true, State: StateHalfOpen}
	default:
		return Decision{Allowed: true, State: b.health.State}
	}
}

// Success 记录一次成功调用.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.health.LastSuccessTime = b.opts.now()
	if b.health.State == StateHalfOpen {
		b.health.Failures = 0
		b.health.NextAttemptTime = time.Time{}
		b.transition(StateClosed)
	}
}

// Failure 记录一次失败调用.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.now()
	cfg := b.opts.config

	// CLOSED 状态下超出监控窗口的旧失败不再计入
	if b.health.State == StateClosed && !b.health.LastFailureTime.IsZero() &&
		now.Sub(b.health.LastFailureTime) > cfg.MonitoringWindow {
		b.health.Failures = 0
	}

	b.health.Failures++
	b.health.LastFailureTime = now

	switch b.health.State {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		if b.health.Failures >= cfg.FailureThreshold {
			b.open(now)
		}
	case StateOpen:
		b.health.NextAttemptTime = now.Add(cfg.ResetTimeout)
	}
}

// Reset 强制恢复为 CLOSED 并清空失败计数.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.health.Failures = 0
	b.health.NextAttemptTime = time.Time{}
	b.transition(StateClosed)
}

// Health 返回健康状况快照.
func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// State 返回当前状态.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health.State
}

// Execute 在熔断器保护下执行 fn.
//
// 熔断时直接返回 ErrOpen，不调用 fn. 调用方 ctx 已取消时结果不计入统计.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if d := b.Allow(); !d.Allowed {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		if ctx.Err() == nil {
			b.Failure()
		}
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) open(now time.Time) {
	b.health.NextAttemptTime = now.Add(b.opts.config.ResetTimeout)
	b.transition(StateOpen)
}

// transition 切换状态，调用方需持有锁.
func (b *Breaker) transition(to State) {
	from := b.health.State
	if from == to {
		return
	}
	b.health.State = to
	b.opts.metrics.SetBreakerState(b.name, to.gaugeValue())

	if log := b.opts.logger; log != nil {
		entry := log.With(
			logger.String("breaker", b.name),
			logger.String("from", string(from)),
			logger.String("to", string(to)),
			logger.Int("failures", b.health.Failures),
		)
		if to == StateOpen {
			entry.Warn("[Breaker] 熔断器打开")
		} else {
			entry.Info("[Breaker] 熔断器状态变更")
		}
	}
	if b.opts.onStateChange != nil {
		b.opts.onStateChange(b.name, from, to)
	}
}
