// Package bulkhead 提供按服务隔离的并发舱壁.
//
// 每个服务拥有独立的并发名额与等待队列，慢服务最多占满自己的名额与队列，
// 超出部分立即拒绝，不会拖垮调用方的其它请求.
package bulkhead

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
)

// 预定义错误.
var (
	// ErrFull 并发名额与等待队列均已满.
	ErrFull = errors.New("bulkhead: 并发与队列已满")
)

// 默认配置值.
const (
	DefaultMaxConcurrent = 10
	DefaultQueueSize     = 20
)

// State 舱壁状态.
type State string

// 舱壁状态常量.
const (
	// StateOpen 仍有容量.
	StateOpen State = "OPEN"
	// StateClosed 已满，新请求会被拒绝.
	StateClosed State = "CLOSED"
)

// Config 单个服务的舱壁配置.
type Config struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	QueueSize     int `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size"`
}

// DefaultConfig 返回默认配置.
func DefaultConfig() Config {
	return Config{MaxConcurrent: DefaultMaxConcurrent, QueueSize: DefaultQueueSize}
}

// Decision 准入判定.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Queued  bool   `json:"queued"`
	Reason  string `json:"reason,omitempty"`
}

// Metrics 服务舱壁指标.
type Metrics struct {
	State                   State `json:"state"`
	ConcurrentExecutions    int   `json:"concurrentExecutions"`
	MaxConcurrentExecutions int   `json:"maxConcurrentExecutions"`
	QueueSize               int   `json:"queueSize"`
	QueueCapacity           int   `json:"queueCapacity"`
	RejectionCount          int64 `json:"rejectionCount"`
}

// compartment 单个服务的舱室.
//
// sem 是容量为 MaxConcurrent 的 FIFO 信号量，释放的名额按排队顺序交给等待者.
type compartment struct {
	cfg        Config
	sem        *semaphore.Weighted
	mu         sync.Mutex
	running    int
	queued     int
	rejections int64
}

// Bulkhead 按服务管理舱室.
type Bulkhead struct {
	defaults     Config
	overrides    map[string]Config
	log          logger.Logger
	metrics      *metrics.PrometheusCollector
	mu           sync.RWMutex
	compartments map[string]*compartment
}

// Option 配置选项.
type Option func(*Bulkhead)

// WithDefaults 设置未单独配置的服务所用的默认容量.
func WithDefaults(cfg Config) Option {
	return func(b *Bulkhead) { b.defaults = cfg }
}

// WithService 为服务设置专属容量.
func WithService(service string, cfg Config) Option {
	return func(b *Bulkhead) { b.overrides[service] = cfg }
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(b *Bulkhead) { b.log = log }
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(b *Bulkhead) { b.metrics = collector }
}

// New 创建舱壁.
func New(opts ...Option) *Bulkhead {
	b := &Bulkhead{
		defaults:     DefaultConfig(),
		overrides:    make(map[string]Config),
		compartments: make(map[string]*compartment),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bulkhead) get(service string) *compartment {
	b.mu.RLock()
	c, ok := b.compartments[service]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.compartments[service]; ok {
		return c
	}

	cfg, ok := b.overrides[service]
	if !ok {
		cfg = b.defaults
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	c = &compartment{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent))}
	b.compartments[service] = c
	return c
}

// CanExecute 判断服务能否接收新请求.
//
// 并发未满且无人排队时立即占用名额并放行；否则队列未满时放行并标记 Queued，
// 调用方须随后调用 RecordExecutionStart 等待名额；否则拒绝并累计拒绝次数.
// 凡是 Allowed 的判定都必须以 RecordExecutionComplete 结束（Start 返回错误时除外）.
func (b *Bulkhead) CanExecute(service string) Decision {
	c := b.get(service)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queued == 0 && c.sem.TryAcquire(1) {
		c.running++
		b.observe(service, c)
		return Decision{Allowed: true}
	}

	if c.queued < c.cfg.QueueSize {
		c.queued++
		b.observe(service, c)
		return Decision{Allowed: true, Queued: true}
	}

	c.rejections++
	b.metrics.RecordRejection(service, "bulkhead_full")
	if b.log != nil {
		b.log.With(
			logger.String("service", service),
			logger.Int("concurrent", c.running),
			logger.Int("queued", c.queued),
		).Warn("[Bulkhead] 请求被拒绝")
	}
	return Decision{Allowed: false, Reason: "bulkhead_full"}
}

// RecordExecutionStart 开始执行.
//
// 对排队的请求会按排队顺序阻塞直到拿到并发名额或 ctx 取消；ctx 取消时释放队列位置并返回错误，
// 此时调用方不持有名额，不应再调用 RecordExecutionComplete.
func (b *Bulkhead) RecordExecutionStart(ctx context.Context, service string, d Decision) error {
	if !d.Allowed {
		return ErrFull
	}
	if !d.Queued {
		return nil
	}

	c := b.get(service)
	err := c.sem.Acquire(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued--
	if err == nil {
		c.running++
	}
	b.observe(service, c)
	return err
}

// RecordExecutionComplete 结束执行并归还名额.
func (b *Bulkhead) RecordExecutionComplete(service string) {
	c := b.get(service)
	c.mu.Lock()
	if c.running == 0 {
		// 没有名额可归还，忽略
		c.mu.Unlock()
		return
	}
	c.running--
	b.observe(service, c)
	c.mu.Unlock()

	c.sem.Release(1)
}

// Execute 在舱壁保护下执行 fn，保证名额在任何返回路径上都被归还.
func (b *Bulkhead) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	d := b.CanExecute(service)
	if !d.Allowed {
		return ErrFull
	}
	if err := b.RecordExecutionStart(ctx, service, d); err != nil {
		return err
	}
	defer b.RecordExecutionComplete(service)
	return fn(ctx)
}

// Metrics 返回服务的舱壁指标.
func (b *Bulkhead) Metrics(service string) Metrics {
	c := b.get(service)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// All 返回所有已知服务的舱壁指标.
func (b *Bulkhead) All() map[string]Metrics {
	b.mu.RLock()
	names := make([]string, 0, len(b.compartments))
	for name := range b.compartments {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Metrics, len(names))
	for _, name := range names {
		out[name] = b.Metrics(name)
	}
	return out
}

// observe 同步指标，调用方需持有 c.mu.
func (b *Bulkhead) observe(service string, c *compartment) {
	b.metrics.SetBulkhead(service, c.running, c.queued)
}

// snapshot 调用方需持有 c.mu.
func (c *compartment) snapshot() Metrics {
	running := c.running
	state := StateOpen
	if running >= c.cfg.MaxConcurrent && c.queued >= c.cfg.QueueSize {
		state = StateClosed
	}
	return Metrics{
		State:                   state,
		ConcurrentExecutions:    running,
		MaxConcurrentExecutions: c.cfg.MaxConcurrent,
		QueueSize:               c.queued,
		QueueCapacity:           c.cfg.QueueSize,
		RejectionCount:          c.rejections,
	}
}
