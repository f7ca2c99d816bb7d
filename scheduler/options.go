package scheduler

import (
	"time"

	"github.com/Tsukikage7/auction-saga/lock"
	"github.com/Tsukikage7/auction-saga/logger"
)

// Option 调度器配置选项.
type Option func(*options)

type options struct {
	logger         logger.Logger
	locker         lock.Locker
	lockPrefix     string
	hooks          *Hooks
	defaultTimeout time.Duration
	lockTTL        time.Duration
	withSeconds    bool
	location       *time.Location
}

func defaultOptions() *options {
	return &options{
		logger:         logger.NewNop(),
		lockPrefix:     "scheduler:",
		hooks:          &Hooks{},
		defaultTimeout: 5 * time.Minute,
		lockTTL:        10 * time.Minute,
		withSeconds:    true,
		location:       time.Local,
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

// WithLocker 设置分布式锁.
//
// 需要配合 Job.Distributed 使用，未设置时 Distributed 任务按单实例执行.
//
//	locker := lock.NewRedis(redisClient)
//	s := scheduler.MustNew(scheduler.WithLocker(locker))
func WithLocker(l lock.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithLockPrefix 设置任务锁键前缀，默认 "scheduler:".
func WithLockPrefix(prefix string) Option {
	return func(o *options) {
		o.lockPrefix = prefix
	}
}

// WithHooks 设置全局钩子.
func WithHooks(hooks *Hooks) Option {
	return func(o *options) {
		if hooks != nil {
			o.hooks = hooks
		}
	}
}

// WithDefaultTimeout 设置默认任务超时时间.
//
// 默认: 5 分钟.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		o.defaultTimeout = d
	}
}

// WithLockTTL 设置分布式锁默认过期时间，应大于任务最大执行时间.
//
// 默认: 10 分钟.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) {
		o.lockTTL = d
	}
}

// WithSeconds 设置是否支持秒级 Cron 表达式（秒 分 时 日 月 周）.
func WithSeconds(enabled bool) Option {
	return func(o *options) {
		o.withSeconds = enabled
	}
}

// WithLocation 设置时区.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.location = loc
	}
}
