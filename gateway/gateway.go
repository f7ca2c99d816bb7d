// Package gateway 提供按服务隔离的 API 网关反向代理.
//
// 每个请求依次经过舱壁与熔断器：舱壁已满返回 429，熔断打开返回 503，
// 两者都附带服务专属的降级内容. 下游 5xx、连接错误与路由超时计为熔断失败，
// 客户端取消的请求不计入熔断统计.
package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tsukikage7/auction-saga/breaker"
	"github.com/Tsukikage7/auction-saga/bulkhead"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/recovery"
	"github.com/Tsukikage7/auction-saga/transport/health"
	"github.com/Tsukikage7/auction-saga/transport/response"
)

// Rejection 被舱壁或熔断器拒绝时的响应体.
type Rejection struct {
	Error      string                   `json:"error"`
	Message    string                   `json:"message"`
	Service    string                   `json:"service"`
	Reason     string                   `json:"reason"`
	Suggestion string                   `json:"suggestion"`
	RetryAfter float64                  `json:"retryAfterSeconds,omitempty"`
	Fallback   breaker.FallbackResponse `json:"fallback"`
	Timestamp  time.Time                `json:"timestamp"`
}

// ServiceStatus 服务的弹性状态.
type ServiceStatus struct {
	Service        string           `json:"service"`
	Upstream       string           `json:"upstream"`
	CircuitBreaker breaker.Health   `json:"circuitBreaker"`
	Bulkhead       bulkhead.Metrics `json:"bulkhead"`
}

type route struct {
	name     string
	upstream *url.URL
	timeout  time.Duration
	proxy    *httputil.ReverseProxy
}

// Gateway API 网关.
type Gateway struct {
	routes    map[string]*route
	breakers  *breaker.Registry
	bulkheads *bulkhead.Bulkhead
	log       logger.Logger
	metrics   *metrics.PrometheusCollector
	health    *health.Health
	transport http.RoundTripper
	now       func() time.Time
}

// Option 配置选项.
type Option func(*Gateway)

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(g *Gateway) { g.metrics = collector }
}

// WithHealth 挂载 /health 与 /ready.
func WithHealth(h *health.Health) Option {
	return func(g *Gateway) { g.health = h }
}

// WithTransport 设置代理使用的 RoundTripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithClock 设置时钟.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New 创建网关.
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		routes: make(map[string]*route, len(cfg.Services)),
		log:    logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	bulkheadOpts := []bulkhead.Option{bulkhead.WithLogger(g.log), bulkhead.WithMetrics(g.metrics)}
	g.breakers = breaker.NewRegistry(
		breaker.WithLogger(g.log),
		breaker.WithMetrics(g.metrics),
		breaker.WithClock(g.now),
	)
	for name, svc := range cfg.Services {
		u, _ := url.Parse(svc.URL)
		rt := &route{name: name, upstream: u, timeout: svc.Timeout}
		rt.proxy = g.newProxy(rt)
		g.routes[name] = rt

		g.breakers.Configure(name, svc.breaker())
		bulkheadOpts = append(bulkheadOpts, bulkhead.WithService(name, svc.bulkhead()))
	}
	g.bulkheads = bulkhead.New(bulkheadOpts...)
	return g, nil
}

// Handler 返回网关路由.
//
//	ANY  /api/{service}/*             代理到下游服务
//	GET  /gateway/status              各服务熔断与舱壁状态
//	POST /gateway/circuit-breaker/{service}/reset
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recovery.HTTPMiddleware(recovery.WithLogger(g.log)))
	if g.metrics != nil {
		r.Use(metrics.HTTPMiddleware(g.metrics))
		r.Method(http.MethodGet, g.metrics.Path(), g.metrics.Handler())
	}
	if g.health != nil {
		r.Get(health.LivenessPath, health.LivenessHandler(g.health))
		r.Get(health.ReadinessPath, health.ReadinessHandler(g.health))
	}

	r.Get("/gateway/status", g.status)
	r.Post("/gateway/circuit-breaker/{service}/reset", g.reset)
	r.HandleFunc("/api/{service}", g.proxy)
	r.HandleFunc("/api/{service}/*", g.proxy)
	return r
}

// Status 返回所有服务的弹性状态，按服务名排序.
func (g *Gateway) Status() []ServiceStatus {
	names := make([]string, 0, len(g.routes))
	for name := range g.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		out = append(out, ServiceStatus{
			Service:        name,
			Upstream:       g.routes[name].upstream.String(),
			CircuitBreaker: g.breakers.Health(name),
			Bulkhead:       g.bulkheads.Metrics(name),
		})
	}
	return out
}

// Breakers 返回熔断器注册表.
func (g *Gateway) Breakers() *breaker.Registry {
	return g.breakers
}

// Bulkheads 返回舱壁.
func (g *Gateway) Bulkheads() *bulkhead.Bulkhead {
	return g.bulkheads
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	rt, ok := g.routes[service]
	if !ok {
		_ = response.WriteFail(w, response.CodeNotFound, ErrUnknownService.Error()+": "+service)
		return
	}

	d := g.bulkheads.CanExecute(service)
	if !d.Allowed {
		g.reject(w, service, response.CodeResourceExhausted, d.Reason,
			"Too many concurrent requests to "+service+". Please retry shortly.", 0)
		return
	}
	if err := g.bulkheads.RecordExecutionStart(r.Context(), service, d); err != nil {
		g.reject(w, service, response.CodeServiceUnavailable, "queue_timeout",
			"The request was cancelled while waiting for capacity.", 0)
		return
	}
	defer g.bulkheads.RecordExecutionComplete(service)

	bd := g.breakers.CanExecute(service)
	if !bd.Allowed {
		g.metrics.RecordRejection(service, bd.Reason)
		g.reject(w, service, response.CodeServiceUnavailable, bd.Reason,
			breaker.Fallback(service).Suggestion, bd.RetryAfter)
		return
	}

	ctx := r.Context()
	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rt.proxy.ServeHTTP(rec, r.WithContext(ctx))

	// 客户端主动断开不反映下游健康，成功与失败都不计.
	if r.Context().Err() != nil {
		return
	}
	if rec.status >= http.StatusInternalServerError {
		g.breakers.RecordFailure(service)
		return
	}
	g.breakers.RecordSuccess(service)
}

func (g *Gateway) newProxy(rt *route) *httputil.ReverseProxy {
	prefix := "/api/" + rt.name
	p := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(rt.upstream)
			pr.SetXForwarded()
			path := strings.TrimPrefix(pr.In.URL.Path, prefix)
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = singleJoin(rt.upstream.Path, path)
			pr.Out.URL.RawPath = ""
			if id := middleware.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.WithContext(r.Context()).With(
				logger.String("service", rt.name),
				logger.String("path", r.URL.Path),
				logger.Err(err),
			).Warn("[Gateway] 下游请求失败")
			fb := breaker.Fallback(rt.name)
			_ = response.WriteJSON(w, http.StatusBadGateway, Rejection{
				Error:      response.CodeUpstreamError.Name,
				Message:    fb.Message,
				Service:    rt.name,
				Reason:     "upstream_error",
				Suggestion: fb.Suggestion,
				Fallback:   fb,
				Timestamp:  g.now().UTC(),
			})
		},
	}
	if g.transport != nil {
		p.Transport = g.transport
	}
	return p
}

func (g *Gateway) reject(w http.ResponseWriter, service string, code response.Code, reason, suggestion string, retryAfter time.Duration) {
	fb := breaker.Fallback(service)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
	}
	_ = response.WriteJSON(w, code.HTTPStatus, Rejection{
		Error:      code.Name,
		Message:    fb.Message,
		Service:    service,
		Reason:     reason,
		Suggestion: suggestion,
		RetryAfter: retryAfter.Seconds(),
		Fallback:   fb,
		Timestamp:  g.now().UTC(),
	})
}

func (g *Gateway) status(w http.ResponseWriter, _ *http.Request) {
	_ = response.WriteJSON(w, http.StatusOK, map[string]any{
		"services":  g.Status(),
		"timestamp": g.now().UTC(),
	})
}

func (g *Gateway) reset(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if _, ok := g.routes[service]; !ok {
		_ = response.WriteFail(w, response.CodeNotFound, ErrUnknownService.Error()+": "+service)
		return
	}
	g.breakers.Reset(service)
	g.log.WithContext(r.Context()).With(logger.String("service", service)).Warn("[Gateway] 手动重置熔断器")
	_ = response.WriteJSON(w, http.StatusOK, map[string]any{
		"service":        service,
		"circuitBreaker": g.breakers.Health(service),
	})
}
