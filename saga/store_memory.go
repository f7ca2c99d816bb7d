package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 基于内存的状态存储.
//
// 适用于单机部署或测试场景，终态 Saga 超过保留期后由清理协程删除.
type MemoryStore struct {
	opts *storeOptions

	mu         sync.RWMutex
	data       map[string]*State
	active     map[string]struct{}
	finishedAt map[string]time.Time
	counters   map[string]*DailyCounters
	closed     bool
	closeCh    chan struct{}
}

// NewMemoryStore 创建内存存储.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		opts:       applyStoreOptions(opts),
		data:       make(map[string]*State),
		active:     make(map[string]struct{}),
		finishedAt: make(map[string]time.Time),
		counters:   make(map[string]*DailyCounters),
		closeCh:    make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Save 保存 Saga 状态.
func (s *MemoryStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := state.Key()
	existing, exists := s.data[key]
	if exists && existing.State == StateCompleted {
		return ErrAlreadyCompleted
	}

	s.opts.prepareSave(state)
	s.data[key] = state.Clone()
	if state.IsTerminal() {
		delete(s.active, key)
		s.finishedAt[key] = state.LastUpdatedAt
	} else {
		s.active[key] = struct{}{}
	}
	if !exists {
		s.counter(counterStarted)
	}
	return nil
}

// Get 获取 Saga 状态.
func (s *MemoryStore) Get(_ context.Context, sagaType Type, sagaID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[Key(sagaType, sagaID)]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return state.Clone(), nil
}

// Update 原子更新 Saga 状态.
func (s *MemoryStore) Update(_ context.Context, sagaType Type, sagaID string, fn func(*State) error) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(sagaType, sagaID)
	current, ok := s.data[key]
	if !ok {
		return nil, ErrSagaNotFound
	}
	if current.IsTerminal() {
		return nil, terminalError(current.State)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.LastUpdatedAt = s.opts.now()
	s.data[key] = next
	return next.Clone(), nil
}

// ListActive 列出所有活跃 Saga.
func (s *MemoryStore) ListActive(_ context.Context) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(*State) bool { return true }), nil
}

// ListActiveByType 列出指定类型的活跃 Saga.
func (s *MemoryStore) ListActiveByType(_ context.Context, sagaType Type) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(st *State) bool { return st.SagaType == sagaType }), nil
}

// MarkCompleted 标记 Saga 完成.
func (s *MemoryStore) MarkCompleted(_ context.Context, sagaType Type, sagaID string) error {
	_, err := s.finish(sagaType, sagaID, completedTransition())
	return err
}

// MarkFailed 标记 Saga 失败.
func (s *MemoryStore) MarkFailed(_ context.Context, sagaType Type, sagaID, reason string) error {
	_, err := s.finish(sagaType, sagaID, failedTransition(reason))
	return err
}

// Cancel 取消 Saga.
func (s *MemoryStore) Cancel(_ context.Context, sagaType Type, sagaID, reason string) (bool, error) {
	found, err := s.finish(sagaType, sagaID, cancelledTransition(reason))
	if !found {
		return false, nil
	}
	return err == nil, err
}

// IncrementRetry 累加重试次数.
func (s *MemoryStore) IncrementRetry(_ context.Context, sagaType Type, sagaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.data[Key(sagaType, sagaID)]
	if !ok {
		return false, ErrSagaNotFound
	}
	return applyIncrementRetry(state, s.opts.now())
}

// ListStalled 列出已超时的活跃 Saga.
func (s *MemoryStore) ListStalled(_ context.Context) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.opts.now()
	return s.collect(func(st *State) bool { return st.Overdue(now) }), nil
}

// Metrics 返回聚合指标.
func (s *MemoryStore) Metrics(_ context.Context) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.opts.now()
	var today DailyCounters
	if c, ok := s.counters[dayKey(now)]; ok {
		today = *c
	}
	return buildMetrics(s.collect(func(*State) bool { return true }), today, now), nil
}

// Close 关闭存储.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closeCh)
	return nil
}

// finish 执行终态迁移，返回 Saga 是否存在.
func (s *MemoryStore) finish(sagaType Type, sagaID string, t terminalTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(sagaType, sagaID)
	state, ok := s.data[key]
	if !ok {
		return false, ErrSagaNotFound
	}

	now := s.opts.now()
	if err := t.apply(state, now); err != nil {
		return true, err
	}
	delete(s.active, key)
	s.finishedAt[key] = now
	s.counter(t.counter)
	return true, nil
}

// collect 调用方需持有读锁.
func (s *MemoryStore) collect(match func(*State) bool) []*State {
	out := make([]*State, 0, len(s.active))
	for key := range s.active {
		if st := s.data[key]; st != nil && match(st) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// counter 调用方需持有写锁.
func (s *MemoryStore) counter(name string) {
	day := dayKey(s.opts.now())
	c, ok := s.counters[day]
	if !ok {
		c = &DailyCounters{}
		s.counters[day] = c
	}
	c.add(name, 1)
}

// cleanup 定期清理超过保留期的终态 Saga.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *MemoryStore) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	for key, at := range s.finishedAt {
		if now.Sub(at) > s.opts.retention {
			delete(s.data, key)
			delete(s.finishedAt, key)
		}
	}
}
