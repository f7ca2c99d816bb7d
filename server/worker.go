package server

import (
	"context"
	"sync"
)

// Worker 后台任务服务器，例如总线事件监听与定时调度.
//
// start 负责启动后台工作并立即返回；Worker 随后阻塞直到 Stop 或 ctx 取消.
// start 收到的 ctx 在 Stop 时取消.
type Worker struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWorker 创建后台任务服务器，stop 可为 nil.
func NewWorker(name string, start, stop func(ctx context.Context) error) *Worker {
	if start == nil {
		panic(ErrNilHandler)
	}
	return &Worker{name: name, start: start, stop: stop}
}

// Start 启动后台任务并阻塞.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.start(ctx); err != nil {
		cancel()
		return err
	}
	<-ctx.Done()
	return nil
}

// Stop 取消后台任务并执行 stop.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if w.stop != nil {
		return w.stop(ctx)
	}
	return nil
}

// Name 返回名称.
func (w *Worker) Name() string {
	return w.name
}

// Addr 后台任务无监听地址.
func (w *Worker) Addr() string {
	return "-"
}
