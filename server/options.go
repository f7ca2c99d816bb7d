package server

import (
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
)

// HTTPOption HTTP 服务器配置选项.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	name         string
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	logger       logger.Logger
}

func defaultHTTPOptions() *httpOptions {
	return &httpOptions{
		name:         "http",
		addr:         ":8080",
		readTimeout:  15 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  60 * time.Second,
		logger:       logger.NewNop(),
	}
}

// WithHTTPName 设置服务器名称.
func WithHTTPName(name string) HTTPOption {
	return func(o *httpOptions) {
		o.name = name
	}
}

// WithHTTPAddr 设置监听地址.
func WithHTTPAddr(addr string) HTTPOption {
	return func(o *httpOptions) {
		o.addr = addr
	}
}

// WithHTTPTimeouts 设置读、写与空闲超时，0 表示保留默认值.
func WithHTTPTimeouts(read, write, idle time.Duration) HTTPOption {
	return func(o *httpOptions) {
		if read > 0 {
			o.readTimeout = read
		}
		if write > 0 {
			o.writeTimeout = write
		}
		if idle > 0 {
			o.idleTimeout = idle
		}
	}
}

// WithHTTPLogger 设置日志记录器.
func WithHTTPLogger(log logger.Logger) HTTPOption {
	return func(o *httpOptions) {
		if log != nil {
			o.logger = log
		}
	}
}
