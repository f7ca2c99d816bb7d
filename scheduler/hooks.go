package scheduler

import (
	"context"
	"time"

	"github.com/Tsukikage7/auction-saga/metrics"
)

// Execution 单次任务执行的结果.
type Execution struct {
	Job        *Job
	StartTime  time.Time
	Attempt    int
	Duration   time.Duration
	Error      error
	Skipped    bool
	SkipReason string
}

// Hooks 任务钩子.
type Hooks struct {
	// AfterJob 任务执行结束后调用（无论成功失败）.
	AfterJob []func(ctx context.Context, e *Execution)

	// OnSkip 任务因单例或分布式锁被跳过时调用.
	OnSkip []func(ctx context.Context, e *Execution)
}

func (h *Hooks) after(ctx context.Context, e *Execution) {
	for _, fn := range h.AfterJob {
		fn(ctx, e)
	}
}

func (h *Hooks) skip(ctx context.Context, e *Execution) {
	for _, fn := range h.OnSkip {
		fn(ctx, e)
	}
}

// MetricsHooks 返回记录任务执行指标的钩子.
//
// 指标: scheduler_job_runs_total{job,outcome}、scheduler_job_duration_seconds{job}.
func MetricsHooks(collector *metrics.PrometheusCollector) *Hooks {
	if collector == nil {
		return &Hooks{}
	}
	return &Hooks{
		AfterJob: []func(context.Context, *Execution){
			func(_ context.Context, e *Execution) {
				outcome := "success"
				if e.Error != nil {
					outcome = "failure"
				}
				collector.Counter("scheduler_job_runs_total", map[string]string{"job": e.Job.Name, "outcome": outcome})
				collector.Histogram("scheduler_job_duration_seconds", e.Duration.Seconds(), map[string]string{"job": e.Job.Name})
			},
		},
		OnSkip: []func(context.Context, *Execution){
			func(_ context.Context, e *Execution) {
				collector.Counter("scheduler_job_runs_total", map[string]string{"job": e.Job.Name, "outcome": "skipped"})
			},
		},
	}
}
