package scheduler

import "errors"

// 预定义错误.
var (
	// ErrJobNameEmpty 任务名称为空.
	ErrJobNameEmpty = errors.New("scheduler: job name is required")

	// ErrScheduleEmpty 调度表达式为空.
	ErrScheduleEmpty = errors.New("scheduler: schedule expression is required")

	// ErrHandlerNil 任务处理函数为空.
	ErrHandlerNil = errors.New("scheduler: job handler is required")

	// ErrScheduleInvalid 无效的调度表达式.
	ErrScheduleInvalid = errors.New("scheduler: invalid schedule expression")

	// ErrSchedulerClosed 调度器已关闭.
	ErrSchedulerClosed = errors.New("scheduler: scheduler is closed")

	// ErrJobNotFound 任务未找到.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrJobExists 任务已存在.
	ErrJobExists = errors.New("scheduler: job already exists")

	// ErrLockHeld 分布式锁被其他实例持有.
	ErrLockHeld = errors.New("scheduler: distributed lock held by another instance")

	// ErrJobSkipped 任务被跳过（上一次执行未完成）.
	ErrJobSkipped = errors.New("scheduler: job skipped due to previous execution still running")
)
