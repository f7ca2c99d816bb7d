package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JobFunc 任务执行函数，ctx 在超时或调度器停止时取消.
type JobFunc func(ctx context.Context) error

// Job 调度任务.
type Job struct {
	// Name 任务名称（唯一标识）.
	Name string

	// Schedule Cron 表达式或 @every 描述符.
	Schedule string

	// Handler 任务处理函数.
	Handler JobFunc

	// Timeout 任务超时时间（0 表示使用调度器默认值）.
	Timeout time.Duration

	// Singleton 上一次执行未完成时跳过本次调度.
	Singleton bool

	// Distributed 多实例部署时只有持有锁的实例执行.
	Distributed bool

	// RetryCount 失败重试次数.
	RetryCount int

	// RetryInterval 重试间隔.
	RetryInterval time.Duration

	entryID   int
	running   atomic.Bool
	stats     *JobStats
	statsOnce sync.Once
}

// JobStats 任务执行统计.
type JobStats struct {
	mu            sync.RWMutex
	RunCount      int64
	SuccessCount  int64
	FailCount     int64
	SkipCount     int64
	LastRunAt     time.Time
	LastSuccessAt time.Time
	LastError     error
	LastDuration  time.Duration
}

// Clone 返回统计信息副本.
func (s *JobStats) Clone() JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return JobStats{
		RunCount:      s.RunCount,
		SuccessCount:  s.SuccessCount,
		FailCount:     s.FailCount,
		SkipCount:     s.SkipCount,
		LastRunAt:     s.LastRunAt,
		LastSuccessAt: s.LastSuccessAt,
		LastError:     s.LastError,
		LastDuration:  s.LastDuration,
	}
}

func (s *JobStats) record(start time.Time, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunCount++
	s.LastRunAt = start
	s.LastDuration = d
	s.LastError = err
	if err != nil {
		s.FailCount++
		return
	}
	s.SuccessCount++
	s.LastSuccessAt = start.Add(d)
}

func (s *JobStats) recordSkip() {
	s.mu.Lock()
	s.SkipCount++
	s.mu.Unlock()
}

// Validate 验证任务配置.
func (j *Job) Validate() error {
	if j.Name == "" {
		return ErrJobNameEmpty
	}
	if j.Schedule == "" {
		return ErrScheduleEmpty
	}
	if j.Handler == nil {
		return ErrHandlerNil
	}
	return nil
}

// IsRunning 检查任务是否正在执行.
func (j *Job) IsRunning() bool {
	return j.running.Load()
}

// Stats 获取任务统计信息.
func (j *Job) Stats() JobStats {
	j.initStats()
	return j.stats.Clone()
}

func (j *Job) initStats() {
	j.statsOnce.Do(func() {
		j.stats = &JobStats{}
	})
}

// JobBuilder 任务构建器.
type JobBuilder struct {
	job *Job
}

// NewJob 创建任务构建器.
func NewJob(name string) *JobBuilder {
	return &JobBuilder{job: &Job{Name: name}}
}

// Schedule 设置调度表达式.
func (b *JobBuilder) Schedule(expr string) *JobBuilder {
	b.job.Schedule = expr
	return b
}

// Handler 设置处理函数.
func (b *JobBuilder) Handler(fn JobFunc) *JobBuilder {
	b.job.Handler = fn
	return b
}

// Timeout 设置超时时间.
func (b *JobBuilder) Timeout(d time.Duration) *JobBuilder {
	b.job.Timeout = d
	return b
}

// Singleton 启用单例模式.
func (b *JobBuilder) Singleton() *JobBuilder {
	b.job.Singleton = true
	return b
}

// Distributed 启用分布式模式.
func (b *JobBuilder) Distributed() *JobBuilder {
	b.job.Distributed = true
	return b
}

// Retry 设置重试策略.
func (b *JobBuilder) Retry(count int, interval time.Duration) *JobBuilder {
	b.job.RetryCount = count
	b.job.RetryInterval = interval
	return b
}

// Build 构建任务.
func (b *JobBuilder) Build() (*Job, error) {
	if err := b.job.Validate(); err != nil {
		return nil, err
	}
	b.job.initStats()
	return b.job, nil
}

// MustBuild 构建任务，失败时 panic.
func (b *JobBuilder) MustBuild() *Job {
	job, err := b.Build()
	if err != nil {
		panic(err)
	}
	return job
}
