package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// 流水事件类型.
const (
	EventStarted            = "started"
	EventStepCompleted      = "step_completed"
	EventStepSkipped        = "step_skipped"
	EventDuplicateIgnored   = "duplicate_ignored"
	EventCommandPublished   = "command_published"
	EventRetried            = "retried"
	EventCompensationSent   = "compensation_published"
	EventCompensationFailed = "compensation_failed"
	EventCompleted          = "completed"
	EventFailed             = "failed"
	EventCancelled          = "cancelled"
	EventTimedOut           = "timed_out"
	EventRetriesExhausted   = "retries_exhausted"
)

// JournalEntry Saga 状态迁移流水.
type JournalEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SagaID    string    `gorm:"size:64;index:idx_saga_journal_saga" json:"sagaId"`
	SagaType  Type      `gorm:"size:64" json:"sagaType"`
	Event     string    `gorm:"size:64;index:idx_saga_journal_event" json:"event"`
	FromState string    `gorm:"size:64" json:"fromState,omitempty"`
	ToState   string    `gorm:"size:64" json:"toState,omitempty"`
	Subject   string    `gorm:"size:128" json:"subject,omitempty"`
	Detail    string    `gorm:"size:1024" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// TableName 指定表名.
func (JournalEntry) TableName() string {
	return "saga_journal"
}

// Journal 迁移流水记录器.
//
// 流水是旁路信息，写入失败只记录日志，不影响 Saga 推进.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	List(ctx context.Context, sagaID string) ([]JournalEntry, error)
	Recent(ctx context.Context, event string, limit int) ([]JournalEntry, error)
}

// GormJournal 基于 GORM 的流水，支持 MySQL / PostgreSQL / SQLite.
type GormJournal struct {
	db *gorm.DB
}

// NewGormJournal 创建流水并迁移表结构.
func NewGormJournal(db *gorm.DB) (*GormJournal, error) {
	if err := db.AutoMigrate(&JournalEntry{}); err != nil {
		return nil, fmt.Errorf("迁移 saga_journal 失败: %w", err)
	}
	return &GormJournal{db: db}, nil
}

// Record 写入一条流水.
func (j *GormJournal) Record(ctx context.Context, entry JournalEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return j.db.WithContext(ctx).Create(&entry).Error
}

// List 按时间顺序返回 Saga 的全部流水.
func (j *GormJournal) List(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// Recent 返回最近的指定类型流水，最新的在前.
func (j *GormJournal) Recent(ctx context.Context, event string, limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("event = ?", event).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MemoryJournal 内存流水，用于测试与未配置数据库时.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	nextID  uint
}

// NewMemoryJournal 创建内存流水.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Record 写入一条流水.
func (j *MemoryJournal) Record(_ context.Context, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextID++
	entry.ID = j.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	j.entries = append(j.entries, entry)
	return nil
}

// List 按时间顺序返回 Saga 的全部流水.
func (j *MemoryJournal) List(_ context.Context, sagaID string) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []JournalEntry
	for _, e := range j.entries {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent 返回最近的指定类型流水，最新的在前.
func (j *MemoryJournal) Recent(_ context.Context, event string, limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []JournalEntry
	for _, e := range j.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
