package jwt

import (
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
)

// Option 配置选项.
type Option func(*options)

type options struct {
	issuer   string
	duration time.Duration
	logger   logger.Logger
	now      func() time.Time
}

func defaultOptions() *options {
	return &options{
		issuer:   "auction-saga",
		duration: 12 * time.Hour,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
}

// WithIssuer 设置签发者，验证时同样要求匹配.
func WithIssuer(issuer string) Option {
	return func(o *options) {
		o.issuer = issuer
	}
}

// WithDuration 设置令牌有效期.
func WithDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.duration = d
		}
	}
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithClock 设置时钟.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
