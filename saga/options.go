package saga

import (
	"time"

	"github.com/google/uuid"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
)

// Option 编排器配置选项.
type Option func(*options)

type options struct {
	logger         logger.Logger
	metrics        *metrics.PrometheusCollector
	journal        Journal
	timeout        time.Duration
	maxRetries     int
	publishRetries int
	group          string
	now            func() time.Time
	newID          func() string
}

func defaultOptions() *options {
	return &options{
		logger:         logger.NewNop(),
		timeout:        DefaultTimeout,
		maxRetries:     DefaultMaxRetries,
		publishRetries: -1,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithJournal 设置迁移流水记录器.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithTimeout 设置 Saga 超时时长，重试时也按此值刷新 timeoutAt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries 设置新 Saga 的最大重试次数.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithPublishRetries 设置命令发布的重试次数，未设置时使用总线默认值.
func WithPublishRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.publishRetries = n
		}
	}
}

// WithQueueGroup 设置订阅完成事件使用的队列组，默认为 "<type>-saga".
func WithQueueGroup(group string) Option {
	return func(o *options) { o.group = group }
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator 替换 sagaId 生成函数.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
