package saga

import (
	"context"
	"time"
)

// Store Saga 状态存储.
//
// 所有变更都是针对 (sagaType, sagaId) 的原子条件更新，
// 检测器与事件处理器对同一 Saga 的竞争由存储层裁决.
type Store interface {
	// Save 以 (SagaType, SagaID) 为键写入状态.
	//
	// TimeoutAt 为零值时按存储配置计算，刷新 LastUpdatedAt，加入活跃索引与类型索引.
	// 仅在记录首次创建时累加当日 started 计数，重复保存是幂等的覆盖.
	Save(ctx context.Context, state *State) error

	// Get 读取状态，不存在时返回 ErrSagaNotFound.
	Get(ctx context.Context, sagaType Type, sagaID string) (*State, error)

	// Update 原子地读取-修改-写回.
	//
	// fn 收到的是副本，返回错误时放弃本次修改并原样返回该错误.
	// 终态 Saga 不可更新，返回 ErrAlreadyCompleted 或 ErrAlreadyTerminal.
	Update(ctx context.Context, sagaType Type, sagaID string, fn func(*State) error) (*State, error)

	// ListActive 列出所有活跃 Saga，按启动时间升序.
	ListActive(ctx context.Context) ([]*State, error)

	// ListActiveByType 列出指定类型的活跃 Saga.
	ListActiveByType(ctx context.Context, sagaType Type) ([]*State, error)

	// MarkCompleted 标记为 COMPLETED 并移出活跃索引.
	MarkCompleted(ctx context.Context, sagaType Type, sagaID string) error

	// MarkFailed 标记为 FAILED、记录原因并移出活跃索引.
	MarkFailed(ctx context.Context, sagaType Type, sagaID, reason string) error

	// Cancel 标记为 CANCELLED 并移出活跃索引，Saga 不存在时返回 false.
	Cancel(ctx context.Context, sagaType Type, sagaID, reason string) (bool, error)

	// IncrementRetry 在 retryCount < maxRetries 时累加并返回 true；
	// 否则标记重试耗尽并返回 false.
	IncrementRetry(ctx context.Context, sagaType Type, sagaID string) (bool, error)

	// ListStalled 列出 timeoutAt 已过的活跃 Saga.
	ListStalled(ctx context.Context) ([]*State, error)

	// Metrics 返回聚合指标.
	Metrics(ctx context.Context) (*Metrics, error)

	// Close 关闭存储.
	Close() error
}

// StoreOption 存储配置选项.
type StoreOption func(*storeOptions)

type storeOptions struct {
	timeout    time.Duration
	maxRetries int
	retention  time.Duration
	now        func() time.Time
}

func defaultStoreOptions() *storeOptions {
	return &storeOptions{
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retention:  DefaultRetention,
		now:        time.Now,
	}
}

func applyStoreOptions(opts []StoreOption) *storeOptions {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSagaTimeout 设置新 Saga 的超时时长.
func WithSagaTimeout(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDefaultMaxRetries 设置 MaxRetries 为零值时使用的上限.
func WithDefaultMaxRetries(n int) StoreOption {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithRetention 设置终态 Saga 的保留时长.
func WithRetention(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithStoreClock 替换存储使用的时钟.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// prepareSave 补齐保存前的派生字段.
func (o *storeOptions) prepareSave(s *State) {
	now := o.now()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.TimeoutAt.IsZero() {
		s.TimeoutAt = s.StartedAt.Add(o.timeout)
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = o.maxRetries
	}
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.LastUpdatedAt = now
}

// 当日计数字段.
const (
	counterStarted   = "started"
	counterCompleted = "completed"
	counterFailed    = "failed"
	counterCancelled = "cancelled"
)

// terminalTransition 描述一次终态迁移.
type terminalTransition struct {
	to      string
	reason  string
	counter string
}

// apply 在 s 上执行终态迁移.
func (t terminalTransition) apply(s *State, now time.Time) error {
	if s.IsTerminal() {
		return terminalError(s.State)
	}
	s.State = t.to
	s.LastUpdatedAt = now
	switch t.to {
	case StateFailed:
		s.Error = t.reason
	case StateCancelled:
		s.CancelReason = t.reason
	}
	return nil
}

func completedTransition() terminalTransition {
	return terminalTransition{to: StateCompleted, counter: counterCompleted}
}

func failedTransition(reason string) terminalTransition {
	return terminalTransition{to: StateFailed, reason: reason, counter: counterFailed}
}

func cancelledTransition(reason string) terminalTransition {
	return terminalTransition{to: StateCancelled, reason: reason, counter: counterCancelled}
}

// applyIncrementRetry 在 s 上执行重试计数，返回是否仍允许重试.
func applyIncrementRetry(s *State, now time.Time) (bool, error) {
	if s.IsTerminal() {
		return false, terminalError(s.State)
	}
	s.LastUpdatedAt = now
	if s.RetryCount < s.MaxRetries {
		s.RetryCount++
		return true, nil
	}
	s.RetriesExhausted = true
	s.Error = MaxRetriesExceeded
	return false, nil
}

func (c *DailyCounters) add(counter string, n int64) {
	switch counter {
	case counterStarted:
		c.Started += n
	case counterCompleted:
		c.Completed += n
	case counterFailed:
		c.Failed += n
	case counterCancelled:
		c.Cancelled += n
	}
}
