// Package app 管理服务进程的生命周期.
//
// 服务器按注册顺序并发启动，按注册的逆序逐个停止：
// 先注册底层的后台任务（事件监听、调度器），最后注册 HTTP 入口，
// 关闭时入口先停止接收请求，后台任务随后退出，最后执行清理任务.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
)

// ErrRunning 应用已在运行.
var ErrRunning = errors.New("app: application is already running")

// Server 由 Application 管理的服务器.
//
// Start 阻塞直到 ctx 取消或 Stop 被调用；返回非 nil 错误会触发整个应用关闭.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
	Addr() string
}

// Application 应用程序.
type Application struct {
	opts    *options
	servers []Server
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
	failure error
}

// New 创建应用程序，必须通过 Logger 选项提供日志记录器.
func New(opts ...Option) *Application {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		panic("app: logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Application{opts: o, ctx: ctx, cancel: cancel}
}

// Use 注册服务器.
func (a *Application) Use(servers ...Server) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers = append(a.servers, servers...)
	return a
}

// Run 运行应用程序，阻塞直到收到信号、调用 Stop 或某个服务器启动失败.
//
// 服务器启动失败时应用会关闭其余服务器，并返回该错误.
func (a *Application) Run() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrRunning
	}
	a.running = true
	servers := slices.Clone(a.servers)
	a.mu.Unlock()

	if err := a.opts.hooks.runBeforeStart(a.ctx); err != nil {
		a.setRunning(false)
		return err
	}

	a.opts.logger.With(
		logger.String("name", a.opts.name),
		logger.String("version", a.opts.version),
		logger.Int("servers", len(servers)),
	).Info("[App] starting")

	for _, srv := range servers {
		go a.serve(srv)
	}
	if len(servers) == 0 {
		a.opts.logger.Warn("[App] no servers registered")
	}

	if err := a.opts.hooks.runAfterStart(a.ctx); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] after start hook failed")
	}

	a.wait()
	return a.shutdown(servers)
}

// Stop 主动停止应用程序.
func (a *Application) Stop() {
	a.cancel()
}

// Context 返回应用上下文，应用停止时取消.
func (a *Application) Context() context.Context {
	return a.ctx
}

// Name 返回应用名称.
func (a *Application) Name() string {
	return a.opts.name
}

// Version 返回应用版本.
func (a *Application) Version() string {
	return a.opts.version
}

func (a *Application) serve(s Server) {
	log := a.opts.logger.With(logger.String("server", s.Name()))
	log.With(logger.String("addr", s.Addr())).Info("[App] starting server")

	err := s.Start(a.ctx)
	if err == nil {
		return
	}
	log.With(logger.Err(err)).Error("[App] server failed")

	a.mu.Lock()
	if a.failure == nil {
		a.failure = fmt.Errorf("app: server %s: %w", s.Name(), err)
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *Application) wait() {
	signals := a.opts.signals
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.opts.logger.With(logger.String("signal", sig.String())).Info("[App] received signal")
	case <-a.ctx.Done():
		a.opts.logger.Info("[App] context cancelled")
	}
}

func (a *Application) shutdown(servers []Server) error {
	a.opts.logger.With(logger.Duration("timeout", a.opts.gracefulTimeout)).Info("[App] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.gracefulTimeout)
	defer cancel()

	a.drain(ctx)

	if err := a.opts.hooks.runBeforeStop(ctx); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] before stop hook failed")
	}

	a.stopServers(ctx, servers)
	// 服务器全部停止后再取消应用上下文
	a.cancel()
	a.runCleanups(ctx)

	if err := a.opts.hooks.runAfterStop(context.Background()); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] after stop hook failed")
	}

	a.mu.Lock()
	a.running = false
	failure := a.failure
	a.mu.Unlock()

	a.opts.logger.Info("[App] stopped")
	return failure
}

func (a *Application) drain(ctx context.Context) {
	if len(a.opts.drainers) == 0 {
		return
	}
	for _, d := range a.opts.drainers {
		d.SetDraining(true)
	}
	if a.opts.drainDelay <= 0 {
		return
	}

	a.opts.logger.With(logger.Duration("delay", a.opts.drainDelay)).Info("[App] draining")
	timer := time.NewTimer(a.opts.drainDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// stopServers 按注册的逆序逐个停止，超时后剩余服务器不再等待.
func (a *Application) stopServers(ctx context.Context, servers []Server) {
	for i := len(servers) - 1; i >= 0; i-- {
		s := servers[i]
		log := a.opts.logger.With(logger.String("server", s.Name()))
		if ctx.Err() != nil {
			log.Warn("[App] shutdown timeout, server not stopped")
			continue
		}

		begin := time.Now()
		if err := s.Stop(ctx); err != nil {
			log.With(logger.Err(err)).Error("[App] server stop failed")
			continue
		}
		log.With(logger.Duration("elapsed", time.Since(begin))).Info("[App] server stopped")
	}
}

func (a *Application) runCleanups(ctx context.Context) {
	if len(a.opts.cleanups) == 0 {
		return
	}

	cleanups := slices.Clone(a.opts.cleanups)
	slices.SortStableFunc(cleanups, func(x, y Cleanup) int {
		return x.Priority - y.Priority
	})

	for _, c := range cleanups {
		log := a.opts.logger.With(logger.String("cleanup", c.Name))
		if err := c.Fn(ctx); err != nil {
			log.With(logger.Err(err)).Error("[App] cleanup failed")
			continue
		}
		log.Debug("[App] cleanup done")
	}
}

func (a *Application) setRunning(running bool) {
	a.mu.Lock()
	a.running = running
	a.mu.Unlock()
}
