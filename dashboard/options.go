package dashboard

import (
	"time"

	"github.com/Tsukikage7/auction-saga/detector"
	"github.com/Tsukikage7/auction-saga/jwt"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/saga"
	"github.com/Tsukikage7/auction-saga/transport/health"
)

// Bus 仪表盘可见的消息总线操作.
type Bus interface {
	Health() messaging.Health
	ResetCircuitBreaker()
}

// Option 服务配置选项.
type Option func(*Service)

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithJournal 设置状态流转日志，用于展示历史与最近的补偿失败.
func WithJournal(j saga.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithBus 设置消息总线.
func WithBus(bus Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithDetector 设置批量重试使用的检测器.
func WithDetector(d *detector.Detector) Option {
	return func(s *Service) { s.detector = d }
}

// WithClock 设置时钟.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecentFailures 设置指标接口返回的最近补偿失败条数，默认 20.
func WithRecentFailures(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recentFailures = n
		}
	}
}

// HandlerOption 路由配置选项.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	auth    *jwt.JWT
	health  *health.Health
	metrics *metrics.PrometheusCollector
	logger  logger.Logger
}

// WithAuth 为写操作路由启用 Bearer 令牌校验.
func WithAuth(j *jwt.JWT) HandlerOption {
	return func(o *handlerOptions) { o.auth = j }
}

// WithHealth 挂载 /health 与 /ready.
func WithHealth(h *health.Health) HandlerOption {
	return func(o *handlerOptions) { o.health = h }
}

// WithMetrics 挂载指标路由并采集 HTTP 指标.
func WithMetrics(collector *metrics.PrometheusCollector) HandlerOption {
	return func(o *handlerOptions) { o.metrics = collector }
}

// WithHandlerLogger 设置路由层日志记录器.
func WithHandlerLogger(log logger.Logger) HandlerOption {
	return func(o *handlerOptions) { o.logger = log }
}
