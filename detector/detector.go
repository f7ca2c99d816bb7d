// Package detector 扫描超时的 Saga 并驱动其重试或失败.
//
// Detector 可以通过 Scan 同步执行，也可以通过 Job 注册到 scheduler 周期运行.
// 多副本部署时任务以分布式锁保证同一时刻只有一个副本在扫描.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/saga"
	"github.com/Tsukikage7/auction-saga/scheduler"
)

// JobName 调度任务名称，同时作为分布式锁键.
const JobName = "stalled-saga-detector"

// DefaultSchedule 默认扫描间隔.
const DefaultSchedule = "@every 60s"

// 单个 Saga 的处理结果.
const (
	ResultRetried   = "retried"
	ResultExhausted = "failed"
	ResultResolved  = "resolved"
	ResultError     = "error"
)

// Outcome 单个超时 Saga 的处理结果.
type Outcome struct {
	SagaID   string    `json:"sagaId"`
	SagaType saga.Type `json:"sagaType"`
	State    string    `json:"state"`
	Result   string    `json:"result"`
	Error    string    `json:"error,omitempty"`
}

// Report 一次扫描的汇总.
type Report struct {
	Scanned   int           `json:"scanned"`
	Retried   int           `json:"retried"`
	Exhausted int           `json:"failed"`
	Resolved  int           `json:"resolved"`
	Errors    int           `json:"errors"`
	Outcomes  []Outcome     `json:"outcomes"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Option 配置选项.
type Option func(*Detector)

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(d *Detector) {
		if log != nil {
			d.logger = log
		}
	}
}

// WithMetrics 设置指标收集器.
func WithMetrics(collector *metrics.PrometheusCollector) Option {
	return func(d *Detector) {
		d.metrics = collector
	}
}

// WithClock 设置时钟.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector 超时 Saga 检测器.
type Detector struct {
	store    saga.Store
	registry *saga.Registry
	logger   logger.Logger
	metrics  *metrics.PrometheusCollector
	now      func() time.Time
}

// New 创建检测器.
func New(store saga.Store, registry *saga.Registry, opts ...Option) *Detector {
	d := &Detector{
		store:    store,
		registry: registry,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan 处理所有超时的活跃 Saga.
//
// 每个 Saga 交给对应类型编排器的 Retry：仍有重试次数时恢复执行，
// 否则编排器执行补偿并标记 FAILED. 单个 Saga 的错误记录在 Outcome 中，
// 只有列出超时 Saga 失败或 ctx 取消时返回错误.
func (d *Detector) Scan(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: d.now(), Outcomes: []Outcome{}}

	stalled, err := d.store.ListStalled(ctx)
	if err != nil {
		d.logger.With(logger.Err(err)).Error("[Detector] 查询超时 Saga 失败")
		d.metrics.Counter("detector_scans_total", map[string]string{"result": "error"})
		return nil, err
	}

	for _, st := range stalled {
		if err := ctx.Err(); err != nil {
			d.finish(report)
			return report, err
		}
		report.add(d.handle(ctx, st))
	}

	d.finish(report)
	return report, nil
}

// Job 返回以 schedule 周期运行 Scan 的调度任务.
//
// 任务为单例且分布式，调度器停止时 ctx 被取消.
func (d *Detector) Job(schedule string) *scheduler.Job {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return scheduler.NewJob(JobName).
		Schedule(schedule).
		Singleton().
		Distributed().
		Handler(func(ctx context.Context) error {
			_, err := d.Scan(ctx)
			return err
		}).
		MustBuild()
}

func (d *Detector) handle(ctx context.Context, st *saga.State) Outcome {
	out := Outcome{SagaID: st.SagaID, SagaType: st.SagaType, State: st.State}
	log := d.logger.With(
		logger.String("sagaId", st.SagaID),
		logger.String("sagaType", string(st.SagaType)),
		logger.String("state", st.State),
	)

	o, err := d.registry.Get(st.SagaType)
	if err != nil {
		out.Result, out.Error = ResultError, err.Error()
		log.With(logger.Err(err)).Error("[Detector] 未注册的 Saga 类型")
		return out
	}

	err = o.Retry(ctx, st.SagaID)
	switch {
	case err == nil:
		out.Result = ResultRetried
		log.With(logger.Int("retryCount", st.RetryCount+1)).Info("[Detector] 超时 Saga 已重试")
	case errors.Is(err, saga.ErrRetriesExhausted):
		out.Result, out.Error = ResultExhausted, err.Error()
		log.Warn("[Detector] 超时 Saga 重试耗尽，已补偿并标记失败")
	case errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, saga.ErrAlreadyCompleted), errors.Is(err, saga.ErrAlreadyTerminal):
		// 扫描与处理之间已被事件或其他副本推进到终态
		out.Result = ResultResolved
	default:
		out.Result, out.Error = ResultError, err.Error()
		log.With(logger.Err(err)).Error("[Detector] 重试超时 Saga 失败")
	}
	return out
}

func (d *Detector) finish(r *Report) {
	r.Duration = d.now().Sub(r.StartedAt)
	d.metrics.Counter("detector_scans_total", map[string]string{"result": "ok"})
	d.metrics.Gauge("detector_stalled_sagas", float64(r.Scanned), nil)
	if r.Scanned > 0 {
		d.logger.With(
			logger.Int("scanned", r.Scanned),
			logger.Int("retried", r.Retried),
			logger.Int("failed", r.Exhausted),
			logger.Int("errors", r.Errors),
		).Info("[Detector] 扫描完成")
	}
}

func (r *Report) add(o Outcome) {
	r.Scanned++
	r.Outcomes = append(r.Outcomes, o)
	switch o.Result {
	case ResultRetried:
		r.Retried++
	case ResultExhausted:
		r.Exhausted++
	case ResultResolved:
		r.Resolved++
	default:
		r.Errors++
	}
}
