// Package recovery 提供 HTTP panic 恢复中间件.
package recovery

import (
	"fmt"
	"runtime"

	"github.com/Tsukikage7/auction-saga/logger"
)

// Handler 自定义 panic 处理函数，req 为 *http.Request.
type Handler func(req any, p any, stack []byte)

// Options 配置选项.
type Options struct {
	Logger    logger.Logger
	Handler   Handler
	StackSize int
}

// Option 配置函数.
type Option func(*Options)

// WithLogger 设置日志记录器.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithHandler 设置 panic 回调，在写入 500 响应前调用.
func WithHandler(h Handler) Option {
	return func(o *Options) {
		o.Handler = h
	}
}

// WithStackSize 设置堆栈大小，默认 64KB.
func WithStackSize(size int) Option {
	return func(o *Options) {
		o.StackSize = size
	}
}

func applyOptions(opts []Option) *Options {
	o := &Options{StackSize: 64 * 1024}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	return o
}

func captureStack(size int) []byte {
	stack := make([]byte, size)
	return stack[:runtime.Stack(stack, false)]
}

// PanicError 表示 panic 错误.
type PanicError struct {
	Value any
	Stack []byte
}

// Error 实现 error 接口.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap 返回 panic 值中的 error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
