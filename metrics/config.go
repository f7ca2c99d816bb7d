// Package metrics 提供 Prometheus 指标收集功能.
package metrics

import "errors"

// 预定义错误.
var (
	// ErrNilConfig 配置为空.
	ErrNilConfig = errors.New("metrics: 配置为空")
	// ErrRegisterMetric 注册指标失败.
	ErrRegisterMetric = errors.New("metrics: 注册指标失败")
)

// Config 指标监控配置.
type Config struct {
	// Path 指标暴露路径，默认 /metrics
	Path string `json:"path" yaml:"path" mapstructure:"path"`
	// Namespace 指标命名空间
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
}

// DefaultConfig 返回默认配置.
func DefaultConfig() *Config {
	return &Config{
		Path:      "/metrics",
		Namespace: "auction",
	}
}

// New 创建指标收集器.
func New(cfg *Config) (*PrometheusCollector, error) {
	return NewPrometheus(cfg)
}

// MustNew 创建指标收集器，失败时 panic.
func MustNew(cfg *Config) *PrometheusCollector {
	c, err := NewPrometheus(cfg)
	if err != nil {
		panic(err)
	}
	return c
}
