package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tsukikage7/auction-saga/breaker"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/retry"
)

// Client 具备熔断、重试与自动重连能力的消息总线客户端.
//
// 发布路径: 熔断器 OPEN 且未到 nextAttemptTime 时立即返回 ErrCircuitOpen；
// 否则发布失败后按 baseDelay*2^attempt 退避重试，重试耗尽只计一次熔断失败.
//
// 连接断开或连接失败会记录熔断失败并启动后台重连任务，每隔 resetTimeout 尝试一次，
// Reconnect 以同步方式执行同样的尝试，Close 取消任务.
//
// 示例:
//
//	client, err := messaging.NewClient(cfg, nil, messaging.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Warn("总线暂不可用，后台重连中")
//	}
//	defer client.Close()
//
//	err = client.Publish(ctx, "validate-bid", payload, messaging.WithRetries(5))
type Client struct {
	cfg       Config
	transport Transport
	breaker   *breaker.Breaker
	logger    logger.Logger
	metrics   *metrics.PrometheusCollector
	sleep     func(ctx context.Context, d time.Duration) error

	connected atomic.Bool
	closed    atomic.Bool
	attempts  atomic.Int64
	failures  atomic.Int64
	successes atomic.Int64

	mu         sync.Mutex
	reconnect  *reconnectTask
	watching   bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// reconnectTask 后台重连任务句柄.
type reconnectTask struct {
	cancel context.CancelFunc
}

// Option 客户端配置选项.
type Option func(*clientOptions)

type clientOptions struct {
	logger  logger.Logger
	metrics *metrics.PrometheusCollector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(o *clientOptions) { o.logger = log }
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(o *clientOptions) { o.metrics = collector }
}

// WithClock 替换熔断器使用的时钟.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithSleep 替换退避与重连等待函数，测试中用于跳过真实等待.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *clientOptions) { o.sleep = fn }
}

// PublishOption 单次发布选项.
type PublishOption func(*publishOptions)

type publishOptions struct {
	retries int
	headers map[string]string
}

// WithRetries 设置本次发布的重试次数.
func WithRetries(n int) PublishOption {
	return func(o *publishOptions) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithHeader 附加消息头.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// NewClient 创建客户端.
//
// transport 为 nil 时按 cfg.Type 创建.
func NewClient(cfg *Config, transport Transport, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = &Config{Type: TypeMemory}
	}
	c := *cfg
	c.ApplyDefaults()

	o := &clientOptions{sleep: sleepContext}
	for _, opt := range opts {
		opt(o)
	}

	if transport == nil {
		t, err := NewTransport(&c, o.logger)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	breakerOpts := []breaker.Option{
		breaker.WithConfig(c.Breaker),
		breaker.WithMetrics(o.metrics),
	}
	if o.logger != nil {
		breakerOpts = append(breakerOpts, breaker.WithLogger(o.logger))
	}
	if o.now != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(o.now))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	client := &Client{
		cfg:        c,
		transport:  transport,
		breaker:    breaker.New("message-bus", breakerOpts...),
		logger:     o.logger,
		metrics:    o.metrics,
		sleep:      o.sleep,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	if client.logger == nil {
		client.logger = logger.NewNop()
	}
	return client, nil
}

// Connect 建立连接.
//
// 失败时记录熔断失败、启动后台重连任务并返回错误.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.attempt(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Reconnect 同步执行一次重连尝试，成功时取消后台重连任务.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.attempt(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.cancel()
		c.reconnect = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) attempt(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.connected.Store(false)
		c.breaker.Failure()
		c.logger.With(
			logger.String("clusterId", c.cfg.ClusterID),
			logger.String("clientId", c.cfg.ClientID),
			logger.Err(err),
		).Error("[Messaging] 连接失败")
		return fmt.Errorf("连接消息总线失败: %w", err)
	}

	c.connected.Store(true)
	c.breaker.Reset()
	c.watchDisconnect()
	c.logger.With(
		logger.String("clusterId", c.cfg.ClusterID),
		logger.String("clientId", c.cfg.ClientID),
	).Info("[Messaging] 已连接")
	return nil
}

func (c *Client) watchDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watching {
		return
	}
	c.watching = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.rootCtx.Done():
				return
			case err := <-c.transport.Disconnected():
				c.connected.Store(false)
				c.breaker.Failure()
				c.logger.With(logger.Err(err)).Warn("[Messaging] 连接断开")
				c.scheduleReconnect()
			}
		}
	}()
}

// scheduleReconnect 启动后台重连任务，已有任务时不重复启动.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnect != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.rootCtx)
	task := &reconnectTask{cancel: cancel}
	c.reconnect = task
	wait := c.breaker.Config().ResetTimeout

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.clearReconnect(task)

		for {
			if err := c.sleep(ctx, wait); err != nil {
				return
			}
			if c.connected.Load() {
				return
			}
			c.logger.Info("[Messaging] 尝试重连")
			if err := c.attempt(ctx); err == nil {
				return
			}
		}
	}()
}

func (c *Client) clearReconnect(task *reconnectTask) {
	task.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnect == task {
		c.reconnect = nil
	}
}

// Reconnecting 返回后台重连任务是否在运行.
func (c *Client) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// Publish 发布消息.
//
// data 为 []byte 时原样发送，其余类型按 JSON 编码.
func (c *Client) Publish(ctx context.Context, subject string, data any, opts ...PublishOption) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	po := &publishOptions{retries: c.cfg.PublishRetries}
	for _, opt := range opts {
		opt(po)
	}

	if d := c.breaker.Allow(); !d.Allowed {
		c.metrics.RecordPublish(subject, "rejected")
		return fmt.Errorf("%w: %s 后重试", ErrCircuitOpen, d.RetryAfter.Round(time.Millisecond))
	}

	body, err := encode(data)
	if err != nil {
		return err
	}
	msg, err := NewMessage(subject, body)
	if err != nil {
		return err
	}
	msg.Headers = po.headers

	err = retry.Do(ctx, func(int) error {
		c.attempts.Add(1)
		return c.transport.Publish(ctx, msg)
	}).
		WithMaxRetries(po.retries).
		WithDelay(c.cfg.BaseDelay).
		WithBackoff(retry.ExponentialBackoff).
		WithSleep(c.sleep).
		OnRetry(func(attempt int, wait time.Duration, err error) {
			c.metrics.RecordPublish(subject, "retry")
			c.logger.With(
				logger.String("subject", subject),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", wait),
				logger.Err(err),
			).Warn("[Messaging] 发布失败，即将重试")
		}).
		Run()
	if err != nil {
		c.failures.Add(1)
		c.breaker.Failure()
		c.metrics.RecordPublish(subject, "failure")
		c.logger.With(logger.String("subject", subject), logger.Err(err)).Error("[Messaging] 发布失败")
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	c.successes.Add(1)
	c.breaker.Success()
	c.metrics.RecordPublish(subject, "success")
	return nil
}

// Subscribe 以队列组身份订阅主题.
//
// handler 返回错误时消息重投，返回 nil 时确认.
func (c *Client) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if handler == nil {
		return ErrNilHandler
	}

	wrapped := func(ctx context.Context, msg *Message) error {
		if err := handler(ctx, msg); err != nil {
			c.logger.With(
				logger.String("subject", msg.Subject),
				logger.String("messageId", msg.ID),
				logger.Err(err),
			).Warn("[Messaging] 消息处理失败，等待重投")
			return err
		}
		return nil
	}

	if err := c.transport.Subscribe(ctx, subject, group, wrapped); err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", subject, err)
	}
	c.logger.With(logger.String("subject", subject), logger.String("group", group)).Debug("[Messaging] 已订阅")
	return nil
}

// Health 客户端健康状况.
type Health struct {
	Connected      bool           `json:"connected"`
	ClusterID      string         `json:"clusterId,omitempty"`
	ClientID       string         `json:"clientId"`
	CircuitBreaker breaker.Health `json:"circuitBreaker"`
	Attempts       int64          `json:"publishAttempts"`
	Failures       int64          `json:"publishFailures"`
	Successes      int64          `json:"publishSuccesses"`
	SuccessRate    float64        `json:"successRate"`
}

// Health 返回健康状况快照.
func (c *Client) Health() Health {
	h := Health{
		Connected:      c.connected.Load(),
		ClusterID:      c.cfg.ClusterID,
		ClientID:       c.cfg.ClientID,
		CircuitBreaker: c.breaker.Health(),
		Attempts:       c.attempts.Load(),
		Failures:       c.failures.Load(),
		Successes:      c.successes.Load(),
		SuccessRate:    1,
	}
	if total := h.Successes + h.Failures; total > 0 {
		h.SuccessRate = float64(h.Successes) / float64(total)
	}
	return h
}

// Connected 返回当前是否已连接.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ResetCircuitBreaker 手动关闭熔断器.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
	c.logger.Info("[Messaging] 熔断器已手动重置")
}

// Close 取消后台任务并关闭传输.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.rootCancel()
	c.wg.Wait()
	c.connected.Store(false)
	return c.transport.Close()
}

func encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("编码消息失败: %w", err)
		}
		return b, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
