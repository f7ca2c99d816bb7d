package main

import (
	"strings"
	"time"

	"github.com/Tsukikage7/auction-saga/config"
	"github.com/Tsukikage7/auction-saga/gateway"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
)

// Config 网关服务配置.
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	Log     logger.Config  `mapstructure:"log"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Gateway gateway.Config `mapstructure:"gateway"`
	Metrics metrics.Config `mapstructure:"metrics"`
}

// AppConfig 应用配置.
type AppConfig struct {
	Name            string        `mapstructure:"name"`
	Version         string        `mapstructure:"version"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	DrainDelay      time.Duration `mapstructure:"drain_delay"`
}

// HTTPConfig HTTP 服务配置.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// defaults 返回默认配置，withServices 为 true 时附带本地开发用的下游服务.
func defaults(withServices bool) map[string]any {
	d := map[string]any{
		"app.name":             "api-gateway",
		"app.version":          "dev",
		"app.graceful_timeout": "30s",
		"app.drain_delay":      "5s",

		"log.level":         "info",
		"log.format":        "json",
		"log.service_name":  "api-gateway",
		"log.enable_caller": true,

		"http.addr":          ":3000",
		"http.read_timeout":  "15s",
		"http.write_timeout": "60s",
		"http.idle_timeout":  "120s",

		"metrics.path":      "/metrics",
		"metrics.namespace": "auction",
	}
	if !withServices {
		return d
	}

	upstreams := map[string]string{
		"user-service":    "http://localhost:3002",
		"auction-service": "http://localhost:3003",
		"bidding-service": "http://localhost:3004",
		"payment-service": "http://localhost:3005",
	}
	for name, url := range upstreams {
		prefix := "gateway.services." + name + "."
		d[prefix+"url"] = url
		d[prefix+"timeout"] = "10s"
		d[prefix+"max_concurrent"] = 10
		d[prefix+"queue_size"] = 20
		d[prefix+"failure_threshold"] = 5
		d[prefix+"reset_timeout"] = "30s"
		d[prefix+"monitoring_window"] = "60s"
	}
	return d
}

// envKeys 服务名中的 "-" 同样映射为 "_"，例如 GATEWAY_GATEWAY_SERVICES_USER_SERVICE_URL.
func envKeys(o *config.Options) {
	o.EnvKeyReplacer = strings.NewReplacer(".", "_", "-", "_")
}

// loadConfig 加载配置，配置文件中的 services 完整替代内置的下游服务列表.
func loadConfig(path string) (*Config, error) {
	opts := []config.Option{config.WithEnvPrefix("GATEWAY"), config.WithDefaults(defaults(path == "")), envKeys}
	if path == "" {
		return config.LoadDefaults[Config](opts...)
	}
	return config.Load[Config](path, opts...)
}
