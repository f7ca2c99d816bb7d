package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisTxRetries WATCH 冲突后的最大重试次数.
const redisTxRetries = 16

// stringGetter 由 *redis.Tx 与 redis.UniversalClient 共同满足.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore 基于 Redis 的状态存储.
//
// 键布局（prefix 默认 "saga:"）:
//
//	{prefix}state:{type}:{id}     JSON 状态，终态后设置保留期 TTL
//	{prefix}active                ZSET，成员 "type:id"，分值为 startedAt（毫秒）
//	{prefix}active:{type}         ZSET，按类型的活跃索引
//	{prefix}timeouts              ZSET，成员 "type:id"，分值为 timeoutAt（毫秒）
//	{prefix}counters:{yyyy-mm-dd} HASH，当日 started/completed/failed/cancelled
//
// 所有读-改-写通过 WATCH/MULTI 完成，冲突时重试.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   *storeOptions
}

// NewRedisStore 创建 Redis 存储，client 的生命周期由调用方管理.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...StoreOption) *RedisStore {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   applyStoreOptions(opts),
	}
}

func (s *RedisStore) stateKey(key string) string { return s.prefix + "state:" + key }
func (s *RedisStore) activeKey() string          { return s.prefix + "active" }
func (s *RedisStore) typeKey(t Type) string      { return s.prefix + "active:" + string(t) }
func (s *RedisStore) timeoutsKey() string        { return s.prefix + "timeouts" }
func (s *RedisStore) countersKey(day string) string {
	return s.prefix + "counters:" + day
}

// Save 保存 Saga 状态.
func (s *RedisStore) Save(ctx context.Context, state *State) error {
	key := state.Key()
	stateKey := s.stateKey(key)

	return s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.read(ctx, tx, stateKey)
		if err != nil && !errors.Is(err, ErrSagaNotFound) {
			return err
		}
		if existing != nil && existing.State == StateCompleted {
			return ErrAlreadyCompleted
		}

		s.opts.prepareSave(state)
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("编码 Saga 状态失败: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if state.IsTerminal() {
				pipe.Set(ctx, stateKey, data, s.opts.retention)
				s.unindex(ctx, pipe, state.SagaType, key)
			} else {
				pipe.Set(ctx, stateKey, data, 0)
				s.index(ctx, pipe, state, key)
			}
			if existing == nil {
				s.count(ctx, pipe, counterStarted)
			}
			return nil
		})
		return err
	}, stateKey)
}

// Get 获取 Saga 状态.
func (s *RedisStore) Get(ctx context.Context, sagaType Type, sagaID string) (*State, error) {
	return s.read(ctx, s.client, s.stateKey(Key(sagaType, sagaID)))
}

// Update 原子更新 Saga 状态.
func (s *RedisStore) Update(ctx context.Context, sagaType Type, sagaID string, fn func(*State) error) (*State, error) {
	key := Key(sagaType, sagaID)
	stateKey := s.stateKey(key)

	var updated *State
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, stateKey)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return terminalError(current.State)
		}
		if err := fn(current); err != nil {
			return err
		}
		current.LastUpdatedAt = s.opts.now()

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("编码 Saga 状态失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, data, 0)
			s.index(ctx, pipe, current, key)
			return nil
		})
		if err == nil {
			updated = current
		}
		return err
	}, stateKey)
	return updated, err
}

// ListActive 列出所有活跃 Saga.
func (s *RedisStore) ListActive(ctx context.Context) ([]*State, error) {
	members, err := s.client.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取活跃索引失败: %w", err)
	}
	return s.resolve(ctx, members)
}

// ListActiveByType 列出指定类型的活跃 Saga.
func (s *RedisStore) ListActiveByType(ctx context.Context, sagaType Type) ([]*State, error) {
	members, err := s.client.ZRange(ctx, s.typeKey(sagaType), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取类型索引失败: %w", err)
	}
	return s.resolve(ctx, members)
}

// MarkCompleted 标记 Saga 完成.
func (s *RedisStore) MarkCompleted(ctx context.Context, sagaType Type, sagaID string) error {
	_, err := s.finish(ctx, sagaType, sagaID, completedTransition())
	return err
}

// MarkFailed 标记 Saga 失败.
func (s *RedisStore) MarkFailed(ctx context.Context, sagaType Type, sagaID, reason string) error {
	_, err := s.finish(ctx, sagaType, sagaID, failedTransition(reason))
	return err
}

// Cancel 取消 Saga.
func (s *RedisStore) Cancel(ctx context.Context, sagaType Type, sagaID, reason string) (bool, error) {
	found, err := s.finish(ctx, sagaType, sagaID, cancelledTransition(reason))
	if !found {
		if errors.Is(err, ErrSagaNotFound) {
			return false, nil
		}
		return false, err
	}
	return err == nil, err
}

// IncrementRetry 累加重试次数.
func (s *RedisStore) IncrementRetry(ctx context.Context, sagaType Type, sagaID string) (bool, error) {
	stateKey := s.stateKey(Key(sagaType, sagaID))

	var allowed bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, stateKey)
		if err != nil {
			return err
		}
		ok, err := applyIncrementRetry(current, s.opts.now())
		if err != nil {
			return err
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("编码 Saga 状态失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, data, 0)
			return nil
		})
		if err == nil {
			allowed = ok
		}
		return err
	}, stateKey)
	return allowed, err
}

// ListStalled 列出已超时的活跃 Saga.
func (s *RedisStore) ListStalled(ctx context.Context) ([]*State, error) {
	now := s.opts.now()
	members, err := s.client.ZRangeByScore(ctx, s.timeoutsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("读取超时索引失败: %w", err)
	}

	states, err := s.resolve(ctx, members)
	if err != nil {
		return nil, err
	}
	out := states[:0]
	for _, st := range states {
		if st.Overdue(now) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Metrics 返回聚合指标.
func (s *RedisStore) Metrics(ctx context.Context) (*Metrics, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	fields, err := s.client.HGetAll(ctx, s.countersKey(dayKey(now))).Result()
	if err != nil {
		return nil, fmt.Errorf("读取当日计数失败: %w", err)
	}
	var today DailyCounters
	for name, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		today.add(name, n)
	}
	return buildMetrics(active, today, now), nil
}

// Close 关闭存储，不关闭注入的 client.
func (s *RedisStore) Close() error {
	return nil
}

// finish 执行终态迁移，返回 Saga 是否存在.
func (s *RedisStore) finish(ctx context.Context, sagaType Type, sagaID string, t terminalTransition) (bool, error) {
	key := Key(sagaType, sagaID)
	stateKey := s.stateKey(key)

	found := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, stateKey)
		if err != nil {
			return err
		}
		found = true
		if err := t.apply(current, s.opts.now()); err != nil {
			return err
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("编码 Saga 状态失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, data, s.opts.retention)
			s.unindex(ctx, pipe, sagaType, key)
			s.count(ctx, pipe, t.counter)
			return nil
		})
		return err
	}, stateKey)
	return found, err
}

// watch 在 WATCH 保护下执行 fn，遇到事务冲突时重试.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrStateConflict
}

func (s *RedisStore) read(ctx context.Context, c stringGetter, stateKey string) (*State, error) {
	data, err := c.Get(ctx, stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取 Saga 状态失败: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("解码 Saga 状态失败: %w", err)
	}
	return &st, nil
}

// resolve 批量读取索引成员对应的状态，清理已过期的悬挂成员.
func (s *RedisStore) resolve(ctx context.Context, members []string) ([]*State, error) {
	if len(members) == 0 {
		return []*State{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.stateKey(m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("批量读取 Saga 状态失败: %w", err)
	}

	out := make([]*State, 0, len(values))
	var dangling []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, members[i])
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("解码 Saga 状态失败: %w", err)
		}
		if st.IsTerminal() {
			continue
		}
		out = append(out, &st)
	}

	if len(dangling) > 0 {
		pipe := s.client.Pipeline()
		for _, m := range dangling {
			if t, _, ok := ParseKey(m); ok {
				s.unindex(ctx, pipe, t, m)
			}
		}
		_, _ = pipe.Exec(ctx)
	}
	return out, nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, st *State, key string) {
	pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(st.StartedAt.UnixMilli()), Member: key})
	pipe.ZAdd(ctx, s.typeKey(st.SagaType), redis.Z{Score: float64(st.StartedAt.UnixMilli()), Member: key})
	pipe.ZAdd(ctx, s.timeoutsKey(), redis.Z{Score: float64(st.TimeoutAt.UnixMilli()), Member: key})
}

func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, t Type, key string) {
	pipe.ZRem(ctx, s.activeKey(), key)
	pipe.ZRem(ctx, s.typeKey(t), key)
	pipe.ZRem(ctx, s.timeoutsKey(), key)
}

func (s *RedisStore) count(ctx context.Context, pipe redis.Pipeliner, counter string) {
	key := s.countersKey(dayKey(s.opts.now()))
	pipe.HIncrBy(ctx, key, counter, 1)
	pipe.Expire(ctx, key, s.opts.retention)
}
