package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoRetries 乐观锁冲突后的最大重试次数.
const mongoRetries = 16

// mongoDocument Saga 在 MongoDB 中的文档.
//
// Version 用作乐观锁，每次写入都换成新的随机值；ExpireAt 配合 TTL 索引清理终态记录.
type mongoDocument struct {
	ID       string     `bson:"_id"`
	State    State      `bson:",inline"`
	Active   bool       `bson:"active"`
	Version  string     `bson:"version"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

// MongoStore 基于 MongoDB 的状态存储.
//
// 文档以 "type:id" 为 _id；活跃索引即 {active: true} 上的查询，
// 当日计数保存在 counters 集合中，以日期为 _id.
type MongoStore struct {
	sagas    *mongo.Collection
	counters *mongo.Collection
	opts     *storeOptions
}

// NewMongoStore 创建 MongoDB 存储并确保索引存在.
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string, opts ...StoreOption) (*MongoStore, error) {
	if collection == "" {
		collection = "sagas"
	}
	s := &MongoStore{
		sagas:    db.Collection(collection),
		counters: db.Collection(collection + "_counters"),
		opts:     applyStoreOptions(opts),
	}

	_, err := s.sagas.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "active", Value: 1}, {Key: "startedAt", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}, {Key: "sagaType", Value: 1}, {Key: "startedAt", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}, {Key: "timeoutAt", Value: 1}}},
		{Keys: bson.D{{Key: "expireAt", Value: 1}}, Options: mongooptions.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Saga 索引失败: %w", err)
	}
	return s, nil
}

// Save 保存 Saga 状态.
//
// 以 state != COMPLETED 为条件 upsert：已完成的文档不匹配条件，
// upsert 转为插入并因 _id 冲突失败，此时返回 ErrAlreadyCompleted.
func (s *MongoStore) Save(ctx context.Context, state *State) error {
	s.opts.prepareSave(state)
	doc := s.document(state)

	filter := bson.M{"_id": doc.ID, "state": bson.M{"$ne": StateCompleted}}
	res, err := s.sagas.ReplaceOne(ctx, filter, doc, mongooptions.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyCompleted
	}
	if err != nil {
		return fmt.Errorf("保存 Saga 状态失败: %w", err)
	}
	if res.UpsertedCount > 0 {
		return s.count(ctx, counterStarted)
	}
	return nil
}

// Get 获取 Saga 状态.
func (s *MongoStore) Get(ctx context.Context, sagaType Type, sagaID string) (*State, error) {
	doc, err := s.load(ctx, Key(sagaType, sagaID))
	if err != nil {
		return nil, err
	}
	return &doc.State, nil
}

// Update 原子更新 Saga 状态.
func (s *MongoStore) Update(ctx context.Context, sagaType Type, sagaID string, fn func(*State) error) (*State, error) {
	var updated *State
	err := s.modify(ctx, Key(sagaType, sagaID), func(st *State) (string, error) {
		if st.IsTerminal() {
			return "", terminalError(st.State)
		}
		if err := fn(st); err != nil {
			return "", err
		}
		st.LastUpdatedAt = s.opts.now()
		updated = st
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListActive 列出所有活跃 Saga.
func (s *MongoStore) ListActive(ctx context.Context) ([]*State, error) {
	return s.find(ctx, bson.M{"active": true})
}

// ListActiveByType 列出指定类型的活跃 Saga.
func (s *MongoStore) ListActiveByType(ctx context.Context, sagaType Type) ([]*State, error) {
	return s.find(ctx, bson.M{"active": true, "sagaType": sagaType})
}

// MarkCompleted 标记 Saga 完成.
func (s *MongoStore) MarkCompleted(ctx context.Context, sagaType Type, sagaID string) error {
	_, err := s.finish(ctx, sagaType, sagaID, completedTransition())
	return err
}

// MarkFailed 标记 Saga 失败.
func (s *MongoStore) MarkFailed(ctx context.Context, sagaType Type, sagaID, reason string) error {
	_, err := s.finish(ctx, sagaType, sagaID, failedTransition(reason))
	return err
}

// Cancel 取消 Saga.
func (s *MongoStore) Cancel(ctx context.Context, sagaType Type, sagaID, reason string) (bool, error) {
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
func (s *MongoStore) IncrementRetry(ctx context.Context, sagaType Type, sagaID string) (bool, error) {
	var allowed bool
	err := s.modify(ctx, Key(sagaType, sagaID), func(st *State) (string, error) {
		ok, err := applyIncrementRetry(st, s.opts.now())
		allowed = ok
		return "", err
	})
	return allowed, err
}

// ListStalled 列出已超时的活跃 Saga.
func (s *MongoStore) ListStalled(ctx context.Context) ([]*State, error) {
	return s.find(ctx, bson.M{"active": true, "timeoutAt": bson.M{"$lt": s.opts.now()}})
}

// Metrics 返回聚合指标.
func (s *MongoStore) Metrics(ctx context.Context) (*Metrics, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	var today DailyCounters
	err = s.counters.FindOne(ctx, bson.M{"_id": dayKey(now)}).Decode(&today)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("读取当日计数失败: %w", err)
	}
	return buildMetrics(active, today, now), nil
}

// Close 关闭存储，不断开注入的连接.
func (s *MongoStore) Close() error {
	return nil
}

func (s *MongoStore) finish(ctx context.Context, sagaType Type, sagaID string, t terminalTransition) (bool, error) {
	found := false
	err := s.modify(ctx, Key(sagaType, sagaID), func(st *State) (string, error) {
		found = true
		if err := t.apply(st, s.opts.now()); err != nil {
			return "", err
		}
		return t.counter, nil
	})
	return found, err
}

// modify 以乐观锁执行读-改-写，fn 返回需要累加的当日计数名（可为空）.
func (s *MongoStore) modify(ctx context.Context, key string, fn func(*State) (string, error)) error {
	for i := 0; i < mongoRetries; i++ {
		doc, err := s.load(ctx, key)
		if err != nil {
			return err
		}

		counter, err := fn(&doc.State)
		if err != nil {
			return err
		}

		next := s.document(&doc.State)
		res, err := s.sagas.ReplaceOne(ctx, bson.M{"_id": key, "version": doc.Version}, next)
		if err != nil {
			return fmt.Errorf("更新 Saga 状态失败: %w", err)
		}
		if res.MatchedCount == 0 {
			continue
		}
		if counter != "" {
			return s.count(ctx, counter)
		}
		return nil
	}
	return ErrStateConflict
}

func (s *MongoStore) document(st *State) *mongoDocument {
	doc := &mongoDocument{
		ID:      st.Key(),
		State:   *st,
		Active:  !st.IsTerminal(),
		Version: uuid.NewString(),
	}
	if st.IsTerminal() {
		expireAt := st.LastUpdatedAt.Add(s.opts.retention)
		doc.ExpireAt = &expireAt
	}
	return doc
}

func (s *MongoStore) load(ctx context.Context, key string) (*mongoDocument, error) {
	var doc mongoDocument
	err := s.sagas.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取 Saga 状态失败: %w", err)
	}
	return &doc, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]*State, error) {
	cursor, err := s.sagas.Find(ctx, filter, mongooptions.Find().SetSort(bson.D{{Key: "startedAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("查询 Saga 失败: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("解码 Saga 失败: %w", err)
	}
	out := make([]*State, len(docs))
	for i := range docs {
		out[i] = &docs[i].State
	}
	return out, nil
}

func (s *MongoStore) count(ctx context.Context, counter string) error {
	_, err := s.counters.UpdateOne(ctx,
		bson.M{"_id": dayKey(s.opts.now())},
		bson.M{"$inc": bson.M{counter: 1}},
		mongooptions.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("更新当日计数失败: %w", err)
	}
	return nil
}
