// Command saga-orchestrator 运行拍卖平台的 Saga 编排服务.
//
// 服务订阅事件总线上的全部 Saga 事件，周期扫描超时的 Saga，
// 并在 http.addr 上提供控制面 API、健康检查与 Prometheus 指标.
//
//	saga-orchestrator --config configs/saga-orchestrator.yaml
//	saga-orchestrator --config configs/saga-orchestrator.yaml --scan-once
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"gorm.io/gorm"

	"github.com/Tsukikage7/auction-saga/app"
	"github.com/Tsukikage7/auction-saga/dashboard"
	"github.com/Tsukikage7/auction-saga/database"
	"github.com/Tsukikage7/auction-saga/detector"
	"github.com/Tsukikage7/auction-saga/jwt"
	"github.com/Tsukikage7/auction-saga/lock"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/saga"
	"github.com/Tsukikage7/auction-saga/sagas"
	"github.com/Tsukikage7/auction-saga/scheduler"
	"github.com/Tsukikage7/auction-saga/server"
	"github.com/Tsukikage7/auction-saga/storage/mongodb"
	"github.com/Tsukikage7/auction-saga/transport/health"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	scanOnce := pflag.Bool("scan-once", false, "执行一次超时扫描后退出")
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

	if err := run(cfg, log, *scanOnce); err != nil {
		log.With(logger.Err(err)).Error("[Orchestrator] 退出")
		_ = log.Sync()
		os.Exit(1)
	}
}

// backend 状态存储及其底层连接.
type backend struct {
	store   saga.Store
	redis   redis.UniversalClient
	checker health.Checker
	close   app.CleanupFunc
}

func run(cfg *Config, log logger.Logger, scanOnce bool) error {
	ctx := context.Background()

	collector, err := metrics.New(&cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	be, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	journal, closeJournal, err := openJournal(cfg, log)
	if err != nil {
		_ = be.close(ctx)
		return fmt.Errorf("journal: %w", err)
	}

	transport, err := messaging.NewTransport(&cfg.Bus, log)
	if err != nil {
		_ = be.close(ctx)
		return fmt.Errorf("bus: %w", err)
	}
	bus, err := messaging.NewClient(&cfg.Bus, transport,
		messaging.WithLogger(log),
		messaging.WithMetrics(collector),
	)
	if err != nil {
		_ = be.close(ctx)
		return fmt.Errorf("bus: %w", err)
	}
	// 首次连接失败时客户端在后台重连，服务照常启动
	if err := bus.Connect(ctx); err != nil {
		log.With(logger.Err(err)).Warn("[Orchestrator] 事件总线暂不可用")
	}

	registry, err := sagas.NewRegistry(be.store, bus,
		saga.WithLogger(log),
		saga.WithMetrics(collector),
		saga.WithJournal(journal),
		saga.WithTimeout(cfg.Saga.Timeout),
		saga.WithMaxRetries(cfg.Saga.MaxRetries),
		saga.WithPublishRetries(cfg.Saga.PublishRetries),
		saga.WithQueueGroup(cfg.App.Name),
	)
	if err != nil {
		_ = bus.Close()
		_ = be.close(ctx)
		return fmt.Errorf("registry: %w", err)
	}

	det := detector.New(be.store, registry,
		detector.WithLogger(log),
		detector.WithMetrics(collector),
	)

	if scanOnce {
		defer bus.Close()
		defer be.close(ctx)
		defer closeJournal(ctx)
		report, err := det.Scan(ctx)
		if err != nil {
			return err
		}
		log.With(
			logger.Int("scanned", report.Scanned),
			logger.Int("retried", report.Retried),
			logger.Int("failed", report.Exhausted),
			logger.Int("resolved", report.Resolved),
			logger.Int("errors", report.Errors),
		).Info("[Orchestrator] 扫描完成")
		return nil
	}

	hc := health.New(
		health.WithService(cfg.App.Name),
		health.WithReadinessChecker(be.checker, health.NewConnectionChecker("bus", bus)),
	)

	handlerOpts := []dashboard.HandlerOption{
		dashboard.WithHealth(hc),
		dashboard.WithMetrics(collector),
		dashboard.WithHandlerLogger(log),
	}
	if cfg.Dashboard.JWTSecret != "" {
		handlerOpts = append(handlerOpts, dashboard.WithAuth(
			jwt.New(cfg.Dashboard.JWTSecret, jwt.WithIssuer(cfg.Dashboard.JWTIssuer), jwt.WithLogger(log)),
		))
	} else {
		log.Warn("[Orchestrator] 未配置 dashboard.jwt_secret，控制面写操作不做鉴权")
	}

	svc := dashboard.NewService(be.store, registry,
		dashboard.WithLogger(log),
		dashboard.WithJournal(journal),
		dashboard.WithBus(bus),
		dashboard.WithDetector(det),
	)

	httpServer := server.NewHTTP(dashboard.NewHandler(svc, handlerOpts...),
		server.WithHTTPName("dashboard"),
		server.WithHTTPAddr(cfg.HTTP.Addr),
		server.WithHTTPTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout),
		server.WithHTTPLogger(log),
	)

	listener := server.NewWorker("saga-listener", registry.Listen, nil)

	// 逆序停止：先关闭控制面入口，再停止调度器，最后停止事件监听
	servers := []app.Server{listener}
	if cfg.Detector.Enabled {
		sched, err := newScheduler(cfg, be, collector, log)
		if err != nil {
			_ = bus.Close()
			_ = be.close(ctx)
			return err
		}
		if err := sched.Add(det.Job(cfg.Detector.Spec)); err != nil {
			_ = bus.Close()
			_ = be.close(ctx)
			return err
		}
		servers = append(servers, server.NewWorker("scheduler",
			func(context.Context) error { return sched.Start() },
			sched.Shutdown,
		))
	}
	servers = append(servers, httpServer)

	application := app.New(
		app.Name(cfg.App.Name),
		app.Version(cfg.App.Version),
		app.Logger(log),
		app.GracefulTimeout(cfg.App.GracefulTimeout),
		app.Drain(cfg.App.DrainDelay, hc),
		app.RegisterCloser("bus", bus, 10),
		app.RegisterCleanup("journal", closeJournal, 20),
		app.RegisterCleanup("store", be.close, 30),
		app.RegisterCloser("logger", log, 100),
	)
	return application.Use(servers...).Run()
}

func openStore(ctx context.Context, cfg *Config, log logger.Logger) (*backend, error) {
	opts := []saga.StoreOption{
		saga.WithSagaTimeout(cfg.Saga.Timeout),
		saga.WithDefaultMaxRetries(cfg.Saga.MaxRetries),
		saga.WithRetention(cfg.Store.Retention),
	}

	switch cfg.Store.Type {
	case storeRedis:
		rc := cfg.Store.Redis
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		log.With(logger.String("addrs", fmt.Sprint(rc.Addrs))).Info("[Orchestrator] Redis 已连接")
		ping := health.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		return &backend{
			store:   saga.NewRedisStore(client, rc.KeyPrefix, opts...),
			redis:   client,
			checker: health.NewPingChecker("store", "redis", ping),
			close:   func(context.Context) error { return client.Close() },
		}, nil

	case storeMongo:
		client, db, err := mongodb.Connect(ctx, &cfg.Store.Mongo, log)
		if err != nil {
			return nil, err
		}
		store, err := saga.NewMongoStore(ctx, db, cfg.Store.Mongo.Collection, opts...)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return &backend{
			store:   store,
			checker: health.NewPingChecker("store", "mongodb", mongoPinger(client)),
			close:   client.Disconnect,
		}, nil

	default:
		log.Warn("[Orchestrator] 使用内存存储，重启后 Saga 状态丢失")
		store := saga.NewMemoryStore(opts...)
		ping := health.PingFunc(func(context.Context) error { return nil })
		return &backend{
			store:   store,
			checker: health.NewPingChecker("store", "memory", ping),
			close:   func(context.Context) error { return store.Close() },
		}, nil
	}
}

func mongoPinger(client *mongo.Client) health.Pinger {
	return health.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
}

// openJournal 未启用时退化为进程内日志，控制面仍可查询本副本的流转.
func openJournal(cfg *Config, log logger.Logger) (saga.Journal, app.CleanupFunc, error) {
	if !cfg.Journal.Enabled {
		return saga.NewMemoryJournal(), func(context.Context) error { return nil }, nil
	}

	db, err := database.Open(&cfg.Journal.Config, log)
	if err != nil {
		return nil, nil, err
	}
	journal, err := saga.NewGormJournal(db)
	if err != nil {
		_ = database.Close(db)
		return nil, nil, err
	}
	return journal, closeDB(db), nil
}

func closeDB(db *gorm.DB) app.CleanupFunc {
	return func(context.Context) error { return database.Close(db) }
}

// newScheduler 使用 Redis 存储时以 Redis 分布式锁保证多副本只有一个在扫描.
func newScheduler(cfg *Config, be *backend, collector *metrics.PrometheusCollector, log logger.Logger) (scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithLogger(log),
		scheduler.WithHooks(scheduler.MetricsHooks(collector)),
		scheduler.WithLockTTL(cfg.Detector.LockTTL),
		scheduler.WithLocation(time.UTC),
	}
	if be.redis != nil {
		opts = append(opts, scheduler.WithLocker(lock.NewRedis(be.redis, lock.WithKeyPrefix(cfg.Store.Redis.KeyPrefix+"lock:"))))
	} else {
		opts = append(opts, scheduler.WithLocker(lock.NewMemory()))
	}
	return scheduler.New(opts...)
}
