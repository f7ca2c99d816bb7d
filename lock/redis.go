package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有值匹配时才删除.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// 只有值匹配时才续期.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Redis 基于 Redis 的分布式锁.
//
// 使用 SET NX PX 获取锁，Lua 脚本比较持有者后释放或续期.
// 每个锁实例有唯一的 owner ID，确保只有持有者能释放锁.
type Redis struct {
	client     redis.UniversalClient
	keyPrefix  string
	ownerID    string
	retryWait  time.Duration
	maxRetries int

	mu   sync.Mutex
	held map[string]bool
}

// RedisOption Redis 锁配置选项.
type RedisOption func(*Redis)

// WithKeyPrefix 设置锁键前缀.
//
// 默认 "lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.keyPrefix = prefix
	}
}

// WithOwnerID 设置锁持有者 ID.
//
// 默认自动生成 UUID.
func WithOwnerID(id string) RedisOption {
	return func(r *Redis) {
		r.ownerID = id
	}
}

// WithRetryWait 设置 Lock 获取失败时的重试间隔.
//
// 默认 100ms.
func WithRetryWait(wait time.Duration) RedisOption {
	return func(r *Redis) {
		r.retryWait = wait
	}
}

// WithMaxRetries 设置 Lock 的最大重试次数，0 表示重试到 context 取消.
func WithMaxRetries(n int) RedisOption {
	return func(r *Redis) {
		r.maxRetries = n
	}
}

// NewRedis 创建 Redis 分布式锁.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	if client == nil {
		panic("lock: redis 客户端不能为空")
	}

	r := &Redis{
		client:    client,
		keyPrefix: "lock:",
		ownerID:   uuid.New().String(),
		retryWait: 100 * time.Millisecond,
		held:      make(map[string]bool),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// TryLock 尝试获取锁.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := r.client.SetNX(ctx, r.keyPrefix+key, r.ownerID, ttl).Result()
	if err != nil {
		return false, err
	}

	if acquired {
		r.mu.Lock()
		r.held[key] = true
		r.mu.Unlock()
	}

	return acquired, nil
}

// Lock 获取锁（阻塞）.
func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return acquire(ctx, r, key, ttl, r.retryWait, r.maxRetries)
}

// Unlock 释放锁.
func (r *Redis) Unlock(ctx context.Context, key string) error {
	if !r.IsHeld(key) {
		return ErrLockNotHeld
	}

	result, err := unlockScript.Run(ctx, r.client, []string{r.keyPrefix + key}, r.ownerID).Int64()
	if err != nil {
		return err
	}

	r.forget(key)
	if result == 0 {
		// 锁已过期或被他人持有
		return ErrLockNotHeld
	}
	return nil
}

// Extend 延长锁的过期时间.
func (r *Redis) Extend(ctx context.Context, key string, ttl time.Duration) error {
	if !r.IsHeld(key) {
		return ErrLockNotHeld
	}

	result, err := extendScript.Run(ctx, r.client, []string{r.keyPrefix + key}, r.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		r.forget(key)
		return ErrLockExpired
	}
	return nil
}

// OwnerID 返回当前锁持有者 ID.
func (r *Redis) OwnerID() string {
	return r.ownerID
}

// IsHeld 检查是否持有指定的锁.
func (r *Redis) IsHeld(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[key]
}

func (r *Redis) forget(key string) {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()
}

// acquire 以固定间隔重试 TryLock.
func acquire(ctx context.Context, l Locker, key string, ttl, wait time.Duration, maxRetries int) error {
	retries := 0
	for {
		acquired, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		retries++
		if maxRetries > 0 && retries >= maxRetries {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
