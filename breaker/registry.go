package breaker

import (
	"sort"
	"sync"
)

// Registry 按下游服务维护熔断器.
//
// 首次访问某个服务时按其专属配置（或默认配置）惰性创建熔断器.
type Registry struct {
	opts      []Option
	overrides map[string]Config
	mu        sync.RWMutex
	breakers  map[string]*Breaker
}

// NewRegistry 创建熔断器注册表，opts 作用于其中的每个熔断器.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:      opts,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure 为服务设置专属阈值，需在该服务首次调用前设置.
func (r *Registry) Configure(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = cfg
}

// Get 获取或创建服务的熔断器.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[service]; ok {
		return b
	}

	opts := r.opts
	if cfg, ok := r.overrides[service]; ok {
		opts = append(append([]Option{}, r.opts...), WithConfig(cfg))
	}
	b = New(service, opts...)
	r.breakers[service] = b
	return b
}

// CanExecute 判断是否允许调用服务.
func (r *Registry) CanExecute(service string) Decision {
	return r.Get(service).Allow()
}

// RecordSuccess 记录服务调用成功.
func (r *Registry) RecordSuccess(service string) {
	r.Get(service).Success()
}

// RecordFailure 记录服务调用失败.
func (r *Registry) RecordFailure(service string) {
	r.Get(service).Failure()
}

// Health 返回服务的健康状况.
func (r *Registry) Health(service string) Health {
	return r.Get(service).Health()
}

// Reset 强制关闭服务的熔断器，服务未知时返回 false.
func (r *Registry) Reset(service string) bool {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Services 返回已知服务名，按字母排序.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All 返回所有服务的健康状况.
func (r *Registry) All() map[string]Health {
	out := make(map[string]Health)
	for _, name := range r.Services() {
		out[name] = r.Get(name).Health()
	}
	return out
}
