package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Tsukikage7/auction-saga/breaker"
	"github.com/Tsukikage7/auction-saga/bulkhead"
)

// 预定义错误.
var (
	// ErrNoServices 未配置任何下游服务.
	ErrNoServices = errors.New("gateway: no services configured")
	// ErrInvalidUpstream 下游地址无效.
	ErrInvalidUpstream = errors.New("gateway: invalid upstream url")
	// ErrUnknownService 未知服务.
	ErrUnknownService = errors.New("gateway: unknown service")
)

// ServiceConfig 单个下游服务配置.
type ServiceConfig struct {
	// URL 下游服务地址
	URL string `json:"url" yaml:"url" mapstructure:"url"`
	// Timeout 单次代理请求超时
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	// MaxConcurrent 最大并发数
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	// QueueSize 等待队列长度
	QueueSize int `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size"`
	// FailureThreshold 熔断阈值
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// ResetTimeout 熔断恢复探测间隔
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout" mapstructure:"reset_timeout"`
	// MonitoringWindow 失败计数窗口
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window" mapstructure:"monitoring_window"`
}

// Config 网关配置.
type Config struct {
	// Services 服务名到配置的映射，服务名即路由前缀 /api/{service}
	Services map[string]ServiceConfig `json:"services" yaml:"services" mapstructure:"services"`
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return ErrNoServices
	}
	for name, svc := range c.Services {
		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidUpstream, name, svc.URL)
		}
	}
	return nil
}

func (s ServiceConfig) bulkhead() bulkhead.Config {
	cfg := bulkhead.DefaultConfig()
	if s.MaxConcurrent > 0 {
		cfg.MaxConcurrent = s.MaxConcurrent
	}
	if s.QueueSize > 0 {
		cfg.QueueSize = s.QueueSize
	}
	return cfg
}

func (s ServiceConfig) breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: s.FailureThreshold,
		ResetTimeout:     s.ResetTimeout,
		MonitoringWindow: s.MonitoringWindow,
	}
}
