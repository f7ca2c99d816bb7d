package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 熔断器状态在 gauge 中的取值.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// PrometheusCollector Prometheus 指标收集器.
//
// 内置 HTTP、Saga、消息总线、网关指标，另支持按名称动态创建的自定义指标.
// 所有方法对 nil 接收者安全，组件在未配置指标时无需判空.
type PrometheusCollector struct {
	config *Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	sagaEventsTotal  *prometheus.CounterVec
	sagaStepDuration *prometheus.HistogramVec
	sagaActive       *prometheus.GaugeVec

	publishTotal *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	bulkheadInFlight  *prometheus.GaugeVec
	gatewayRejections *prometheus.CounterVec

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.RWMutex

	registry *prometheus.Registry
}

// NewPrometheus 创建 Prometheus 指标收集器.
func NewPrometheus(cfg *Config) (*PrometheusCollector, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	ns := cfg.Namespace

	// 独立注册表，避免与默认注册表冲突
	registry := prometheus.NewRegistry()

	c := &PrometheusCollector{
		config:     cfg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		registry:   registry,
	}

	c.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	c.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.sagaEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "saga", Name: "events_total",
		Help: "Saga lifecycle events by type",
	}, []string{"saga_type", "event"})

	c.sagaStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "saga", Name: "step_duration_seconds",
		Help: "Time between a saga's previous write and a completed step",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"saga_type", "step"})

	c.sagaActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "saga", Name: "active",
		Help: "Active sagas by type",
	}, []string{"saga_type"})

	c.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "bus", Name: "publish_total",
		Help: "Message bus publish attempts by outcome",
	}, []string{"subject", "outcome"})

	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "resilience", Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	c.bulkheadInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "resilience", Name: "bulkhead_in_flight",
		Help: "Bulkhead occupancy by service",
	}, []string{"service", "kind"})

	c.gatewayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "resilience", Name: "rejections_total",
		Help: "Requests rejected by a resilience guard",
	}, []string{"service", "reason"})

	collectors := []prometheus.Collector{
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.sagaEventsTotal,
		c.sagaStepDuration,
		c.sagaActive,
		c.publishTotal,
		c.breakerState,
		c.bulkheadInFlight,
		c.gatewayRejections,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegisterMetric, err)
		}
	}

	return c, nil
}

// RecordHTTPRequest 记录 HTTP 请求指标.
func (c *PrometheusCollector) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSagaEvent 记录 saga 生命周期事件，如 started、completed、compensation_failed.
func (c *PrometheusCollector) RecordSagaEvent(sagaType, event string) {
	if c == nil {
		return
	}
	c.sagaEventsTotal.WithLabelValues(sagaType, event).Inc()
}

// ObserveSagaStep 记录步骤耗时.
func (c *PrometheusCollector) ObserveSagaStep(sagaType, step string, d time.Duration) {
	if c == nil {
		return
	}
	c.sagaStepDuration.WithLabelValues(sagaType, step).Observe(d.Seconds())
}

// SetActiveSagas 设置某类型的活跃 saga 数量.
func (c *PrometheusCollector) SetActiveSagas(sagaType string, n int) {
	if c == nil {
		return
	}
	c.sagaActive.WithLabelValues(sagaType).Set(float64(n))
}

// RecordPublish 记录一次发布尝试.
func (c *PrometheusCollector) RecordPublish(subject, outcome string) {
	if c == nil {
		return
	}
	c.publishTotal.WithLabelValues(subject, outcome).Inc()
}

// SetBreakerState 设置熔断器状态.
func (c *PrometheusCollector) SetBreakerState(name string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// SetBulkhead 设置舱壁占用情况.
func (c *PrometheusCollector) SetBulkhead(service string, running, queued int) {
	if c == nil {
		return
	}
	c.bulkheadInFlight.WithLabelValues(service, "running").Set(float64(running))
	c.bulkheadInFlight.WithLabelValues(service, "queued").Set(float64(queued))
}

// RecordRejection 记录被熔断或舱壁拒绝的请求.
func (c *PrometheusCollector) RecordRejection(service, reason string) {
	if c == nil {
		return
	}
	c.gatewayRejections.WithLabelValues(service, reason).Inc()
}

// Counter 增加自定义计数器.
//
// 使用示例:
//
//	collector.Counter("detector_scans_total", map[string]string{"result": "ok"})
func (c *PrometheusCollector) Counter(name string, labels map[string]string) {
	if c == nil {
		return
	}
	labelNames, labelValues := extractLabels(labels)

	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		if counter, exists = c.counters[name]; !exists {
			counter = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: c.config.Namespace,
				Name:      name,
				Help:      "Custom counter: " + name,
			}, labelNames)
			if err := c.registry.Register(counter); err == nil {
				c.counters[name] = counter
			} else {
				counter = nil
			}
		}
		c.mu.Unlock()
	}

	if counter != nil {
		counter.WithLabelValues(labelValues...).Inc()
	}
}

// Histogram 观察自定义直方图.
func (c *PrometheusCollector) Histogram(name string, value float64, labels map[string]string) {
	if c == nil {
		return
	}
	labelNames, labelValues := extractLabels(labels)

	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		if histogram, exists = c.histograms[name]; !exists {
			histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: c.config.Namespace,
				Name:      name,
				Help:      "Custom histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			}, labelNames)
			if err := c.registry.Register(histogram); err == nil {
				c.histograms[name] = histogram
			} else {
				histogram = nil
			}
		}
		c.mu.Unlock()
	}

	if histogram != nil {
		histogram.WithLabelValues(labelValues...).Observe(value)
	}
}

// Gauge 设置自定义仪表盘.
func (c *PrometheusCollector) Gauge(name string, value float64, labels map[string]string) {
	if c == nil {
		return
	}
	labelNames, labelValues := extractLabels(labels)

	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		if gauge, exists = c.gauges[name]; !exists {
			gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: c.config.Namespace,
				Name:      name,
				Help:      "Custom gauge: " + name,
			}, labelNames)
			if err := c.registry.Register(gauge); err == nil {
				c.gauges[name] = gauge
			} else {
				gauge = nil
			}
		}
		c.mu.Unlock()
	}

	if gauge != nil {
		gauge.WithLabelValues(labelValues...).Set(value)
	}
}

// extractLabels 从 map 中提取 label 名称和值，按 key 排序保证顺序稳定.
func extractLabels(labels map[string]string) ([]string, []string) {
	labelNames := make([]string, 0, len(labels))
	for k := range labels {
		labelNames = append(labelNames, k)
	}
	sort.Strings(labelNames)

	labelValues := make([]string, 0, len(labels))
	for _, k := range labelNames {
		labelValues = append(labelValues, labels[k])
	}
	return labelNames, labelValues
}

// Handler 返回 metrics 的 HTTP 处理器.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Path 返回 metrics 路径.
func (c *PrometheusCollector) Path() string {
	if c.config.Path == "" {
		return "/metrics"
	}
	return c.config.Path
}

// Registry 返回底层注册表.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}
