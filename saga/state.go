package saga

import (
	"strings"
	"time"
)

// Type Saga 类型.
type Type string

// 已知的 Saga 类型.
const (
	TypeUserRegistration  Type = "user-registration"
	TypeBidPlacement      Type = "bid-placement"
	TypeAuctionCompletion Type = "auction-completion"
	TypePaymentProcessing Type = "payment-processing"
)

// Priority Saga 优先级，仅用于展示.
type Priority string

// 优先级常量.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// 所有类型共有的状态.
const (
	StateStarted   = "STARTED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// 默认值.
const (
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxRetries = 3
	DefaultRetention  = 7 * 24 * time.Hour
)

// MaxRetriesExceeded 重试耗尽时记录的错误信息.
const MaxRetriesExceeded = "exceeded maximum retry attempts"

// IsTerminal 判断状态是否为终态.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// State 单个 Saga 实例的持久化状态.
//
// 存储键为 (SagaType, SagaID) 的组合，见 Key.
// CompletedSteps 只在前进时追加，补偿时逆序遍历但不删除.
type State struct {
	SagaID               string         `json:"sagaId" bson:"sagaId"`
	SagaType             Type           `json:"sagaType" bson:"sagaType"`
	State                string         `json:"state" bson:"state"`
	CompletedSteps       []string       `json:"completedSteps" bson:"completedSteps"`
	StartedAt            time.Time      `json:"startedAt" bson:"startedAt"`
	LastUpdatedAt        time.Time      `json:"lastUpdatedAt" bson:"lastUpdatedAt"`
	TimeoutAt            time.Time      `json:"timeoutAt" bson:"timeoutAt"`
	RetryCount           int            `json:"retryCount" bson:"retryCount"`
	MaxRetries           int            `json:"maxRetries" bson:"maxRetries"`
	Priority             Priority       `json:"priority" bson:"priority"`
	CompensationRequired bool           `json:"compensationRequired" bson:"compensationRequired"`
	RetriesExhausted     bool           `json:"retriesExhausted,omitempty" bson:"retriesExhausted,omitempty"`
	Error                string         `json:"error,omitempty" bson:"error,omitempty"`
	CancelReason         string         `json:"cancelReason,omitempty" bson:"cancelReason,omitempty"`
	FailedCompensations  []string       `json:"failedCompensations,omitempty" bson:"failedCompensations,omitempty"`
	Metadata             map[string]any `json:"metadata" bson:"metadata"`
	UserID               string         `json:"userId,omitempty" bson:"userId,omitempty"`
	UserEmail            string         `json:"userEmail,omitempty" bson:"userEmail,omitempty"`
}

// Key 返回 Saga 的存储键.
func Key(sagaType Type, sagaID string) string {
	return string(sagaType) + ":" + sagaID
}

// ParseKey 解析 Key 生成的存储键.
func ParseKey(key string) (Type, string, bool) {
	t, id, ok := strings.Cut(key, ":")
	if !ok || t == "" || id == "" {
		return "", "", false
	}
	return Type(t), id, true
}

// Key 返回存储键.
func (s *State) Key() string {
	return Key(s.SagaType, s.SagaID)
}

// IsTerminal 是否已到达终态.
func (s *State) IsTerminal() bool {
	return IsTerminal(s.State)
}

// Overdue 判断 Saga 在 now 时刻是否已超时.
func (s *State) Overdue(now time.Time) bool {
	return !s.IsTerminal() && !s.TimeoutAt.IsZero() && s.TimeoutAt.Before(now)
}

// HasCompleted 判断步骤是否已完成.
func (s *State) HasCompleted(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// MetadataString 读取字符串类型的元数据.
func (s *State) MetadataString(key string) string {
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Clone 深拷贝状态.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	c.FailedCompensations = append([]string(nil), s.FailedCompensations...)
	if c.CompletedSteps == nil {
		c.CompletedSteps = []string{}
	}
	if s.Metadata != nil {
		c.Metadata = cloneMap(s.Metadata)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DailyCounters 当日计数.
type DailyCounters struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// SagaRef 指向一个 Saga 的简要信息.
type SagaRef struct {
	SagaID    string    `json:"sagaId"`
	SagaType  Type      `json:"sagaType"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// Metrics 存储层聚合指标.
type Metrics struct {
	TotalActive int            `json:"totalActive"`
	ByType      map[Type]int   `json:"byType"`
	ByState     map[string]int `json:"byState"`
	Today       DailyCounters  `json:"today"`
	SuccessRate float64        `json:"successRate"`
	Stalled     int            `json:"stalled"`
	Oldest      *SagaRef       `json:"oldestSaga,omitempty"`
}

// buildMetrics 由活跃 Saga 与当日计数计算指标.
//
// 成功率 = completed / (completed + failed + cancelled)，无终结记录时为 1.
func buildMetrics(active []*State, today DailyCounters, now time.Time) *Metrics {
	m := &Metrics{
		TotalActive: len(active),
		ByType:      make(map[Type]int),
		ByState:     make(map[string]int),
		Today:       today,
		SuccessRate: 1,
	}
	for _, s := range active {
		m.ByType[s.SagaType]++
		m.ByState[s.State]++
		if s.Overdue(now) {
			m.Stalled++
		}
		if m.Oldest == nil || s.StartedAt.Before(m.Oldest.StartedAt) {
			m.Oldest = &SagaRef{SagaID: s.SagaID, SagaType: s.SagaType, State: s.State, StartedAt: s.StartedAt}
		}
	}
	if finished := today.Completed + today.Failed + today.Cancelled; finished > 0 {
		m.SuccessRate = float64(today.Completed) / float64(finished)
	}
	return m
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
