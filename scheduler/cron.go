package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronScheduler 基于 Cron 的调度器实现.
type cronScheduler struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	opts    *options
	mu      sync.RWMutex
	running bool
	closed  bool

	// ctx 在 Stop/Shutdown 时取消，由调度和 Trigger 触发的执行共享.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCronScheduler(opts ...Option) (*cronScheduler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var cronOpts []cron.Option
	if o.withSeconds {
		cronOpts = append(cronOpts, cron.WithSeconds())
	}
	if o.location != nil {
		cronOpts = append(cronOpts, cron.WithLocation(o.location))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &cronScheduler{
		cron:   cron.New(cronOpts...),
		jobs:   make(map[string]*Job),
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Add 添加任务.
func (s *cronScheduler) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if _, exists := s.jobs[job.Name]; exists {
		return ErrJobExists
	}

	if job.Timeout == 0 {
		job.Timeout = s.opts.defaultTimeout
	}
	job.initStats()

	if s.running {
		if err := s.register(job); err != nil {
			return err
		}
	}

	s.jobs[job.Name] = job
	s.opts.logger.Debugf("[Scheduler] 任务已添加: %s [schedule:%s, singleton:%v, distributed:%v]",
		job.Name, job.Schedule, job.Singleton, job.Distributed)
	return nil
}

// Remove 移除任务.
func (s *cronScheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return ErrJobNotFound
	}
	if s.running && job.entryID > 0 {
		s.cron.Remove(cron.EntryID(job.entryID))
	}
	delete(s.jobs, name)
	return nil
}

// Get 获取任务.
func (s *cronScheduler) Get(name string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[name]
	return job, exists
}

// List 列出所有任务.
func (s *cronScheduler) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Start 启动调度器.
func (s *cronScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if s.running {
		return nil
	}

	for _, job := range s.jobs {
		if err := s.register(job); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.running = true
	s.opts.logger.Debugf("[Scheduler] 调度器已启动 [jobs:%d]", len(s.jobs))
	return nil
}

// Stop 停止调度，取消执行中任务的 context 并等待其返回.
func (s *cronScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.running = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.wg.Wait()
	s.opts.logger.Debug("[Scheduler] 调度器已停止")
}

// Shutdown 停止调度并等待执行中的任务完成，ctx 超时后取消它们.
func (s *cronScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.opts.logger.Debug("[Scheduler] 调度器优雅关闭完成")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.opts.logger.Warn("[Scheduler] 等待任务完成超时，已取消执行中的任务")
		return ctx.Err()
	}
}

// Running 检查是否运行中.
func (s *cronScheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Trigger 异步触发任务执行.
func (s *cronScheduler) Trigger(name string) error {
	job, err := s.acquire(name)
	if err != nil {
		return err
	}

	go func() {
		defer s.wg.Done()
		_ = s.execute(s.ctx, job)
	}()
	return nil
}

// Run 同步执行任务.
//
// 任务在 ctx 或调度器停止时取消；被单例或分布式锁跳过时返回 ErrJobSkipped 或 ErrLockHeld.
func (s *cronScheduler) Run(ctx context.Context, name string) error {
	job, err := s.acquire(name)
	if err != nil {
		return err
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.execute(ctx, job)
}

// acquire 查找任务并登记一次执行，调用方负责 wg.Done.
func (s *cronScheduler) acquire(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	job, exists := s.jobs[name]
	if !exists {
		return nil, ErrJobNotFound
	}
	s.wg.Add(1)
	return job, nil
}

func (s *cronScheduler) register(job *Job) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		_ = s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrScheduleInvalid, job.Schedule, err)
	}
	job.entryID = int(entryID)
	return nil
}

// execute 依次做单例检查、分布式锁、带重试执行.
func (s *cronScheduler) execute(ctx context.Context, job *Job) error {
	e := &Execution{Job: job, StartTime: time.Now()}

	if job.Singleton {
		if !job.running.CompareAndSwap(false, true) {
			return s.skip(ctx, e, ErrJobSkipped)
		}
		defer job.running.Store(false)
	}

	if job.Distributed && s.opts.locker != nil {
		key := s.opts.lockPrefix + job.Name
		acquired, err := s.opts.locker.TryLock(ctx, key, s.lockTTL(job))
		if err != nil {
			s.opts.logger.Errorf("[Scheduler] 获取分布式锁失败 [job:%s] [error:%v]", job.Name, err)
			return s.skip(ctx, e, fmt.Errorf("scheduler: acquire lock for %s: %w", job.Name, err))
		}
		if !acquired {
			return s.skip(ctx, e, ErrLockHeld)
		}
		defer func() {
			if err := s.opts.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				s.opts.logger.Warnf("[Scheduler] 释放分布式锁失败 [job:%s] [error:%v]", job.Name, err)
			}
		}()
	}

	return s.runWithRetry(ctx, job, e)
}

func (s *cronScheduler) runWithRetry(ctx context.Context, job *Job, e *Execution) error {
	maxAttempts := job.RetryCount + 1

	for attempt := 1; ; attempt++ {
		e.Attempt = attempt

		timeout := job.Timeout
		if timeout <= 0 {
			timeout = s.opts.defaultTimeout
		}
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := job.Handler(execCtx)
		cancel()

		e.Duration = time.Since(start)
		e.Error = err
		job.stats.record(start, e.Duration, err)

		if err == nil {
			s.opts.logger.Debugf("[Scheduler] 任务执行成功: %s [duration:%v]", job.Name, e.Duration)
			s.opts.hooks.after(ctx, e)
			return nil
		}

		s.opts.logger.Errorf("[Scheduler] 任务执行失败: %s [attempt:%d/%d] [error:%v]", job.Name, attempt, maxAttempts, err)
		if attempt >= maxAttempts || ctx.Err() != nil {
			s.opts.hooks.after(ctx, e)
			return err
		}

		if job.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				s.opts.hooks.after(ctx, e)
				return err
			case <-time.After(job.RetryInterval):
			}
		}
	}
}

func (s *cronScheduler) skip(ctx context.Context, e *Execution, reason error) error {
	e.Skipped = true
	e.SkipReason = reason.Error()
	e.Job.stats.recordSkip()
	s.opts.hooks.skip(ctx, e)
	s.opts.logger.Debugf("[Scheduler] 任务跳过: %s [reason:%s]", e.Job.Name, e.SkipReason)
	return reason
}

// lockTTL 锁时间略大于任务超时.
func (s *cronScheduler) lockTTL(job *Job) time.Duration {
	if job.Timeout > s.opts.lockTTL {
		return job.Timeout + time.Minute
	}
	return s.opts.lockTTL
}
