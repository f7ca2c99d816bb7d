// Package scheduler 提供后台任务调度.
//
// 特性：
//   - 基于 robfig/cron 的 Cron 表达式与 @every 描述符
//   - 单例模式：防止同一任务重叠执行
//   - 分布式锁：多副本部署时只有一个副本执行
//   - 任务可取消：Stop/Shutdown 取消所有执行中任务的 context
//   - Run 同步触发任务并返回结果，Trigger 异步触发
//
// 示例：
//
//	s := scheduler.MustNew(
//	    scheduler.WithLogger(log),
//	    scheduler.WithLocker(lock.NewRedis(redisClient)),
//	)
//
//	s.Add(scheduler.NewJob("stalled-saga-detector").
//	    Schedule("@every 60s").
//	    Handler(detector.Scan).
//	    Singleton().
//	    Distributed().
//	    MustBuild(),
//	)
//
//	s.Start()
//	defer s.Shutdown(ctx)
package scheduler

import "context"

// Scheduler 调度器接口.
type Scheduler interface {
	// Add 添加任务.
	Add(job *Job) error

	// Remove 移除任务.
	Remove(name string) error

	// Get 获取任务.
	Get(name string) (*Job, bool)

	// List 列出所有任务.
	List() []*Job

	// Start 启动调度器.
	Start() error

	// Stop 停止调度并取消执行中的任务.
	Stop()

	// Shutdown 停止调度，等待执行中的任务结束或 ctx 超时.
	Shutdown(ctx context.Context) error

	// Running 检查是否运行中.
	Running() bool

	// Trigger 异步触发任务执行（不影响正常调度）.
	Trigger(name string) error

	// Run 同步执行任务，遵守单例与分布式锁约束，返回任务结果.
	Run(ctx context.Context, name string) error
}

// New 创建调度器.
func New(opts ...Option) (Scheduler, error) {
	return newCronScheduler(opts...)
}

// MustNew 创建调度器，失败时 panic.
func MustNew(opts ...Option) Scheduler {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}
