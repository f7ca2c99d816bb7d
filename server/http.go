// Package server 提供可由 app.Application 管理的服务器：HTTP 服务与后台 Worker.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/Tsukikage7/auction-saga/logger"
)

// HTTP HTTP 服务器.
type HTTP struct {
	opts    *httpOptions
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// NewHTTP 创建 HTTP 服务器.
//
//	srv := server.NewHTTP(router,
//	    server.WithHTTPAddr(":3001"),
//	    server.WithHTTPLogger(log),
//	)
func NewHTTP(handler http.Handler, opts ...HTTPOption) *HTTP {
	if handler == nil {
		panic(ErrNilHandler)
	}
	o := defaultHTTPOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &HTTP{opts: o, handler: handler}
}

// Start 监听并阻塞直到 ctx 取消或服务器关闭.
func (s *HTTP) Start(ctx context.Context) error {
	if s.opts.addr == "" {
		return ErrAddrEmpty
	}

	ln, err := net.Listen("tcp", s.opts.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opts.readTimeout,
		WriteTimeout: s.opts.writeTimeout,
		IdleTimeout:  s.opts.idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.opts.logger.With(logger.String("addr", ln.Addr().String())).Info("[HTTP] 服务器已启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}

// Stop 优雅关闭 HTTP 服务器.
func (s *HTTP) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.opts.logger.Info("[HTTP] 服务器停止中")
	return srv.Shutdown(ctx)
}

// Name 返回服务器名称.
func (s *HTTP) Name() string {
	return s.opts.name
}

// Addr 返回监听地址.
func (s *HTTP) Addr() string {
	return s.opts.addr
}

// Handler 返回 HTTP Handler.
func (s *HTTP) Handler() http.Handler {
	return s.handler
}
