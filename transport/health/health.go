// Package health 提供存活与就绪检查.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Status 健康状态.
type Status string

const (
	// StatusUp 服务健康.
	StatusUp Status = "UP"
	// StatusDown 服务不健康.
	StatusDown Status = "DOWN"
	// StatusUnknown 状态未知.
	StatusUnknown Status = "UNKNOWN"
)

// CheckResult 单个检查器的检查结果.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"-"`
	Details  map[string]any `json:"details,omitempty"`
}

// MarshalJSON 将 Duration 输出为可读字符串.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	type alias CheckResult
	return json.Marshal(&struct {
		alias
		Duration string `json:"duration,omitempty"`
	}{alias: alias(r), Duration: r.Duration.String()})
}

// Response 健康检查响应.
type Response struct {
	Status    Status                 `json:"status"`
	Service   string                 `json:"service,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker 健康检查器接口.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Option Health 配置选项.
type Option func(*Health)

// Health 健康检查管理器.
type Health struct {
	mu        sync.RWMutex
	service   string
	readiness []Checker
	timeout   time.Duration
	now       func() time.Time
	draining  atomic.Bool
}

// New 创建健康检查管理器.
func New(opts ...Option) *Health {
	h := &Health{
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithService 设置响应中的服务名.
func WithService(name string) Option {
	return func(h *Health) {
		h.service = name
	}
}

// WithTimeout 设置检查超时时间.
func WithTimeout(d time.Duration) Option {
	return func(h *Health) {
		h.timeout = d
	}
}

// WithReadinessChecker 添加就绪检查器.
func WithReadinessChecker(checkers ...Checker) Option {
	return func(h *Health) {
		h.readiness = append(h.readiness, checkers...)
	}
}

// AddReadinessChecker 动态添加就绪检查器.
func (h *Health) AddReadinessChecker(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, checkers...)
}

// SetDraining 标记进程正在关闭，之后 Readiness 不再执行检查器并直接返回 DOWN.
func (h *Health) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// Liveness 进程存活即返回 UP.
func (h *Health) Liveness(context.Context) Response {
	return Response{Status: StatusUp, Service: h.service, Timestamp: h.now().UTC()}
}

// Readiness 并发执行所有就绪检查器，任一 DOWN 则整体 DOWN.
func (h *Health) Readiness(ctx context.Context) Response {
	h.mu.RLock()
	checkers := h.readiness
	h.mu.RUnlock()

	resp := Response{Status: StatusUp, Service: h.service, Timestamp: h.now().UTC()}
	if h.draining.Load() {
		resp.Status = StatusDown
		resp.Checks = map[string]CheckResult{"shutdown": {Status: StatusDown, Message: "draining"}}
		return resp
	}
	if len(checkers) == 0 {
		return resp
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			result := c.Check(checkCtx)
			result.Duration = time.Since(start)

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, result := range results {
		switch result.Status {
		case StatusDown:
			resp.Status = StatusDown
		case StatusUnknown:
			if resp.Status == StatusUp {
				resp.Status = StatusUnknown
			}
		}
	}
	resp.Checks = results
	return resp
}
