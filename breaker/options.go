package breaker

import (
	"errors"
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
)

// 预定义错误.
var (
	// ErrOpen 熔断器处于打开状态.
	ErrOpen = errors.New("breaker: 熔断器已打开")
)

// 默认配置值.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultMonitoringWindow = 60 * time.Second
)

// Config 熔断器配置.
type Config struct {
	// FailureThreshold 监控窗口内触发熔断的失败次数
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// ResetTimeout 打开后等待多久进入半开探测
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout" mapstructure:"reset_timeout"`
	// MonitoringWindow CLOSED 状态下失败计数的有效窗口
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window" mapstructure:"monitoring_window"`
}

// DefaultConfig 返回默认配置.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		MonitoringWindow: DefaultMonitoringWindow,
	}
}

func (c *Config) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = DefaultMonitoringWindow
	}
}

// StateChangeFunc 状态变更回调.
type StateChangeFunc func(name string, from, to State)

type options struct {
	config        Config
	logger        logger.Logger
	metrics       *metrics.PrometheusCollector
	now           func() time.Time
	onStateChange StateChangeFunc
}

func defaultOptions() *options {
	return &options{
		config: DefaultConfig(),
		now:    time.Now,
	}
}

// Option 配置选项.
type Option func(*options)

// WithConfig 设置阈值配置.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithClock 设置时钟，用于测试.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStateChange 设置状态变更回调.
func WithStateChange(fn StateChangeFunc) Option {
	return func(o *options) { o.onStateChange = fn }
}
