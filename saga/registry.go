package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry 按类型索引编排器.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[Type]*Orchestrator
}

// NewRegistry 创建注册表.
func NewRegistry(orchestrators ...*Orchestrator) (*Registry, error) {
	r := &Registry{orchestrators: make(map[Type]*Orchestrator)}
	for _, o := range orchestrators {
		if err := r.Register(o); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册编排器，同一类型只能注册一次.
func (r *Registry) Register(o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrators[o.Type()]; exists {
		return fmt.Errorf("%w: %s 重复注册", ErrInvalidDefinition, o.Type())
	}
	r.orchestrators[o.Type()] = o
	return nil
}

// Get 返回指定类型的编排器.
func (r *Registry) Get(sagaType Type) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orchestrators[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, sagaType)
	}
	return o, nil
}

// Types 返回已注册的类型，按名称排序.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.orchestrators))
	for t := range r.orchestrators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Find 在所有类型中查找 Saga.
func (r *Registry) Find(ctx context.Context, sagaID string) (*State, error) {
	for _, t := range r.Types() {
		o, err := r.Get(t)
		if err != nil {
			continue
		}
		st, err := o.Status(ctx, sagaID)
		if errors.Is(err, ErrSagaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, ErrSagaNotFound
}

// Listen 启动所有编排器的事件监听.
func (r *Registry) Listen(ctx context.Context) error {
	for _, t := range r.Types() {
		o, err := r.Get(t)
		if err != nil {
			return err
		}
		if err := o.Listen(ctx); err != nil {
			return err
		}
	}
	return nil
}
