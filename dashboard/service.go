// Package dashboard 提供 Saga 的查询与运维控制接口.
//
// Service 聚合状态存储、编排器注册表、流转日志与检测器，Handler 将其暴露为 HTTP 路由.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Tsukikage7/auction-saga/detector"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/saga"
)

// 预定义错误.
var (
	// ErrTypeRequired 请求缺少 Saga 类型.
	ErrTypeRequired = errors.New("dashboard: saga type is required")
	// ErrJournalDisabled 未配置流转日志.
	ErrJournalDisabled = errors.New("dashboard: journal is not configured")
	// ErrBusUnavailable 未配置消息总线.
	ErrBusUnavailable = errors.New("dashboard: message bus is not configured")
)

// MetricsView 聚合指标.
type MetricsView struct {
	*saga.Metrics
	OldestStartedAt            *time.Time          `json:"oldestSagaStartedAt,omitempty"`
	RecentCompensationFailures []saga.JournalEntry `json:"recentCompensationFailures"`
	Bus                        *messaging.Health   `json:"bus,omitempty"`
	GeneratedAt                time.Time           `json:"generatedAt"`
}

// Service 仪表盘服务.
type Service struct {
	store          saga.Store
	registry       *saga.Registry
	journal        saga.Journal
	bus            Bus
	detector       *detector.Detector
	log            logger.Logger
	now            func() time.Time
	recentFailures int
}

// NewService 创建仪表盘服务.
//
// 未通过 WithDetector 指定检测器时使用同一存储与注册表创建默认检测器.
func NewService(store saga.Store, registry *saga.Registry, opts ...Option) *Service {
	if store == nil || registry == nil {
		panic("dashboard: store and registry are required")
	}
	s := &Service{
		store:          store,
		registry:       registry,
		log:            logger.NewNop(),
		now:            time.Now,
		recentFailures: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detector == nil {
		s.detector = detector.New(store, registry, detector.WithLogger(s.log), detector.WithClock(s.now))
	}
	return s
}

// Start 启动指定类型的 Saga.
func (s *Service) Start(ctx context.Context, sagaType saga.Type, req map[string]any) (*saga.State, error) {
	o, err := s.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}
	return o.Start(ctx, req)
}

// Status 查询 Saga，类型为空时在所有类型中查找.
func (s *Service) Status(ctx context.Context, sagaType saga.Type, sagaID string) (*SagaView, error) {
	var (
		st  *saga.State
		err error
	)
	if sagaType == "" {
		st, err = s.registry.Find(ctx, sagaID)
	} else {
		var o *saga.Orchestrator
		if o, err = s.registry.Get(sagaType); err == nil {
			st, err = o.Status(ctx, sagaID)
		}
	}
	if err != nil {
		return nil, err
	}
	return s.view(st), nil
}

// Active 列出指定类型的活跃 Saga.
func (s *Service) Active(ctx context.Context, sagaType saga.Type) ([]*SagaView, error) {
	o, err := s.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}
	list, err := o.Active(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*SagaView, 0, len(list))
	for _, st := range list {
		views = append(views, s.view(st))
	}
	return views, nil
}

// Metrics 返回聚合指标，附带最近的补偿失败与总线健康状况.
func (s *Service) Metrics(ctx context.Context) (*MetricsView, error) {
	m, err := s.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	v := &MetricsView{
		Metrics:                    m,
		RecentCompensationFailures: []saga.JournalEntry{},
		GeneratedAt:                s.now().UTC(),
	}
	if m.Oldest != nil {
		t := m.Oldest.StartedAt
		v.OldestStartedAt = &t
	}
	if s.journal != nil {
		failures, err := s.journal.Recent(ctx, saga.EventCompensationFailed, s.recentFailures)
		if err != nil {
			s.log.WithContext(ctx).With(logger.Err(err)).Warn("[Dashboard] 读取补偿失败记录失败")
		} else if failures != nil {
			v.RecentCompensationFailures = failures
		}
	}
	if s.bus != nil {
		h := s.bus.Health()
		v.Bus = &h
	}
	return v, nil
}

// Retry 手动重试单个 Saga.
func (s *Service) Retry(ctx context.Context, sagaType saga.Type, sagaID string) error {
	if sagaType == "" {
		return ErrTypeRequired
	}
	o, err := s.registry.Get(sagaType)
	if err != nil {
		return err
	}
	if err := o.Retry(ctx, sagaID); err != nil {
		return err
	}
	s.log.WithContext(ctx).With(
		logger.String("sagaId", sagaID),
		logger.String("sagaType", string(sagaType)),
	).Info("[Dashboard] 手动重试 Saga")
	return nil
}

// Cancel 取消 Saga 并记录原因.
func (s *Service) Cancel(ctx context.Context, sagaType saga.Type, sagaID, reason string) error {
	if sagaType == "" {
		return ErrTypeRequired
	}
	o, err := s.registry.Get(sagaType)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled via dashboard"
	}
	if err := o.Cancel(ctx, sagaID, reason); err != nil {
		return err
	}
	s.log.WithContext(ctx).With(
		logger.String("sagaId", sagaID),
		logger.String("sagaType", string(sagaType)),
		logger.String("reason", reason),
	).Info("[Dashboard] 手动取消 Saga")
	return nil
}

// Stalled 列出超时 Saga 及建议操作，按超时时长降序.
func (s *Service) Stalled(ctx context.Context) ([]*StalledView, error) {
	list, err := s.store.ListStalled(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]*StalledView, 0, len(list))
	for _, st := range list {
		overdue := now.Sub(st.TimeoutAt)
		views = append(views, &StalledView{
			SagaView:          *s.view(st),
			OverdueSeconds:    overdue.Seconds(),
			RecommendedAction: recommend(st, overdue),
		})
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].OverdueSeconds > views[j].OverdueSeconds })
	return views, nil
}

// RetryAllStalled 立即执行一次超时扫描，返回每个 Saga 的处理结果.
func (s *Service) RetryAllStalled(ctx context.Context) (*detector.Report, error) {
	report, err := s.detector.Scan(ctx)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).With(
		logger.Int("scanned", report.Scanned),
		logger.Int("retried", report.Retried),
		logger.Int("failed", report.Exhausted),
	).Info("[Dashboard] 批量重试超时 Saga")
	return report, nil
}

// Journal 返回 Saga 的状态流转历史.
func (s *Service) Journal(ctx context.Context, sagaID string) ([]saga.JournalEntry, error) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	entries, err := s.journal.List(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: list journal: %w", err)
	}
	if entries == nil {
		entries = []saga.JournalEntry{}
	}
	return entries, nil
}

// BusHealth 返回消息总线健康状况.
func (s *Service) BusHealth() (messaging.Health, error) {
	if s.bus == nil {
		return messaging.Health{}, ErrBusUnavailable
	}
	return s.bus.Health(), nil
}

// ResetBusBreaker 手动关闭消息总线熔断器.
func (s *Service) ResetBusBreaker(ctx context.Context) (messaging.Health, error) {
	if s.bus == nil {
		return messaging.Health{}, ErrBusUnavailable
	}
	s.bus.ResetCircuitBreaker()
	s.log.WithContext(ctx).Warn("[Dashboard] 手动重置消息总线熔断器")
	return s.bus.Health(), nil
}

func (s *Service) view(st *saga.State) *SagaView {
	expected := len(st.CompletedSteps)
	if o, err := s.registry.Get(st.SagaType); err == nil {
		expected = o.Definition().ExpectedSteps(st)
	}
	return newView(st, expected, s.now())
}
