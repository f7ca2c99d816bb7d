// Command api-gateway 以舱壁和熔断器保护的反向代理暴露拍卖平台的领域服务.
//
//	api-gateway --config configs/api-gateway.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/Tsukikage7/auction-saga/app"
	"github.com/Tsukikage7/auction-saga/gateway"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/server"
	"github.com/Tsukikage7/auction-saga/transport/health"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.With(logger.Err(err)).Error("[Gateway] 退出")
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config, log logger.Logger) error {
	collector, err := metrics.New(&cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hc := health.New(health.WithService(cfg.App.Name))
	gw, err := gateway.New(&cfg.Gateway,
		gateway.WithLogger(log),
		gateway.WithMetrics(collector),
		gateway.WithHealth(hc),
	)
	if err != nil {
		return err
	}
	for _, st := range gw.Status() {
		log.With(logger.String("service", st.Service)).Info("[Gateway] 已注册下游服务")
	}

	httpServer := server.NewHTTP(gw.Handler(),
		server.WithHTTPName("gateway"),
		server.WithHTTPAddr(cfg.HTTP.Addr),
		server.WithHTTPTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout),
		server.WithHTTPLogger(log),
	)

	return app.New(
		app.Name(cfg.App.Name),
		app.Version(cfg.App.Version),
		app.Logger(log),
		app.GracefulTimeout(cfg.App.GracefulTimeout),
		app.Drain(cfg.App.DrainDelay, hc),
		app.RegisterCloser("logger", log, 100),
	).Use(httpServer).Run()
}
