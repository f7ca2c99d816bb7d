package app

import "context"

// Hook 生命周期钩子函数.
type Hook func(ctx context.Context) error

// Hooks 生命周期钩子集合.
//
// BeforeStart 返回错误时应用不会启动；其余阶段的错误只记录日志.
type Hooks struct {
	BeforeStart []Hook
	AfterStart  []Hook
	BeforeStop  []Hook
	AfterStop   []Hook
}

func runHooks(ctx context.Context, hooks []Hook) error {
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runBeforeStart(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return runHooks(ctx, h.BeforeStart)
}

func (h *Hooks) runAfterStart(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return runHooks(ctx, h.AfterStart)
}

func (h *Hooks) runBeforeStop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return runHooks(ctx, h.BeforeStop)
}

func (h *Hooks) runAfterStop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return runHooks(ctx, h.AfterStop)
}
