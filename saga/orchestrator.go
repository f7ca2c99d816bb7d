package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
)

var (
	errDuplicateEvent      = errors.New("saga: duplicate event")
	errCompensationClaimed = errors.New("saga: compensation already claimed")
	errCompensating        = errors.New("saga: compensation in progress")
	errCommandNotPublished = errors.New("saga: command not published")
)

// Bus 编排器依赖的消息总线，*messaging.Client 实现了该接口.
type Bus interface {
	Publish(ctx context.Context, subject string, data any, opts ...messaging.PublishOption) error
	Subscribe(ctx context.Context, subject, group string, handler messaging.Handler) error
}

// Orchestrator 通用 Saga 编排引擎.
//
// 每种 Saga 类型对应一个 Orchestrator 实例，行为完全由 Definition 决定:
// 收到步骤完成事件后推进状态并发布下一步命令；步骤失败、超时或取消时
// 按 completedSteps 的逆序发布补偿命令.
//
// 完成事件只在 Saga 处于该步骤的前置状态时生效，其余情况视为重复投递直接确认.
// 消息在状态持久化成功之后才确认，持久化失败的消息会被总线重投.
type Orchestrator struct {
	def   Definition
	store Store
	bus   Bus
	opts  *options
	log   logger.Logger
}

// NewOrchestrator 创建编排器.
func NewOrchestrator(def Definition, store Store, bus Bus, opts ...Option) (*Orchestrator, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if store == nil || bus == nil {
		return nil, fmt.Errorf("%w: %s 缺少 store 或 bus", ErrInvalidDefinition, def.Type)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.group == "" {
		o.group = string(def.Type) + "-saga"
	}

	return &Orchestrator{
		def:   def,
		store: store,
		bus:   bus,
		opts:  o,
		log:   o.logger.With(logger.String("sagaType", string(def.Type))),
	}, nil
}

// Type 返回编排的 Saga 类型.
func (o *Orchestrator) Type() Type {
	return o.def.Type
}

// Definition 返回状态机定义.
func (o *Orchestrator) Definition() *Definition {
	return &o.def
}

// Start 启动一个新的 Saga.
//
// 持久化初始状态后发布第一步命令；持久化或发布失败时 Saga 被标记为 FAILED 并返回错误.
func (o *Orchestrator) Start(ctx context.Context, req map[string]any) (*State, error) {
	seed, err := o.def.Seed(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := o.opts.now()
	st := &State{
		SagaID:         o.opts.newID(),
		SagaType:       o.def.Type,
		State:          StateStarted,
		CompletedSteps: []string{},
		StartedAt:      now,
		LastUpdatedAt:  now,
		TimeoutAt:      now.Add(o.opts.timeout),
		MaxRetries:     o.opts.maxRetries,
		Priority:       o.def.Priority,
		Metadata:       seed.Metadata,
		UserID:         seed.UserID,
		UserEmail:      seed.UserEmail,
	}
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	log := o.sagaLogger(ctx, st.SagaID)

	if err := o.store.Save(ctx, st); err != nil {
		o.abort(ctx, st, "failed to persist saga: "+err.Error())
		return nil, fmt.Errorf("保存 Saga 失败: %w", err)
	}
	o.record(ctx, st, JournalEntry{Event: EventStarted, ToState: StateStarted})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventStarted)

	if err := o.advance(ctx, st); err != nil {
		o.abort(ctx, st, err.Error())
		return nil, err
	}

	log.Info("[Saga] Saga 已启动")
	return st, nil
}

// Status 查询 Saga 状态.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*State, error) {
	return o.store.Get(ctx, o.def.Type, sagaID)
}

// Active 列出该类型的活跃 Saga.
func (o *Orchestrator) Active(ctx context.Context) ([]*State, error) {
	active, err := o.store.ListActiveByType(ctx, o.def.Type)
	if err != nil {
		return nil, err
	}
	o.opts.metrics.SetActiveSagas(string(o.def.Type), len(active))
	return active, nil
}

// Listen 以队列组身份订阅所有步骤的完成事件.
//
// 同一队列组内的多个编排器实例竞争消费，每个事件只被其中一个处理.
func (o *Orchestrator) Listen(ctx context.Context) error {
	for _, step := range o.def.Steps {
		subject := step.Completed
		handler := func(ctx context.Context, msg *messaging.Message) error {
			return o.HandleEvent(ctx, subject, msg.Data)
		}
		if err := o.bus.Subscribe(ctx, subject, o.opts.group, handler); err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", subject, err)
		}
	}
	o.log.With(logger.String("group", o.opts.group)).Info("[Saga] 开始监听步骤完成事件")
	return nil
}

// HandleEvent 处理一条步骤完成事件.
//
// 返回 nil 表示消息可以确认；只有存储错误会返回错误以触发重投.
// 未知 Saga、已终结 Saga 与重复事件都会被确认且不修改状态.
// 补偿开始后到达的完成事件同样不推进状态，见 lateCompletion.
func (o *Orchestrator) HandleEvent(ctx context.Context, subject string, data []byte) error {
	i := o.stepFor(subject)
	if i < 0 {
		o.log.With(logger.String("subject", subject)).Warn("[Saga] 未知事件主题，忽略")
		return nil
	}
	step := o.def.Steps[i]

	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		o.log.With(logger.String("subject", subject), logger.Err(err)).Warn("[Saga] 事件无法解析，忽略")
		return nil
	}
	sagaID, _ := event["sagaId"].(string)
	if sagaID == "" {
		o.log.With(logger.String("subject", subject)).Warn("[Saga] 事件缺少 sagaId，忽略")
		return nil
	}
	log := o.sagaLogger(ctx, sagaID).With(logger.String("event", subject))

	st, err := o.store.Get(ctx, o.def.Type, sagaID)
	if errors.Is(err, ErrSagaNotFound) {
		log.Debug("[Saga] Saga 不存在，忽略事件")
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取 Saga 失败: %w", err)
	}
	if st.IsTerminal() {
		log.With(logger.String("state", st.State)).Debug("[Saga] Saga 已终结，忽略事件")
		return nil
	}
	if o.def.next(st) != i {
		o.duplicate(ctx, st, subject)
		return nil
	}

	reason, failed := eventFailure(event, step)
	if st.CompensationRequired {
		o.lateCompletion(ctx, st, i, subject, event, failed)
		return nil
	}
	if failed {
		log.With(logger.String("reason", reason)).Warn("[Saga] 步骤失败，开始补偿")
		return o.fail(ctx, st, reason, false)
	}

	prevState, prevAt := st.State, st.LastUpdatedAt
	updated, err := o.store.Update(ctx, o.def.Type, sagaID, func(cur *State) error {
		if o.def.next(cur) != i {
			return errDuplicateEvent
		}
		if cur.CompensationRequired {
			return errCompensating
		}
		cur.State = step.State
		cur.CompletedSteps = append(cur.CompletedSteps, step.State)
		mergeEvent(cur, event)
		return nil
	})
	switch {
	case errors.Is(err, errDuplicateEvent):
		o.duplicate(ctx, st, subject)
		return nil
	case errors.Is(err, errCompensating):
		o.lateCompletion(ctx, st, i, subject, event, false)
		return nil
	case errors.Is(err, ErrSagaNotFound), errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrAlreadyTerminal):
		return nil
	case err != nil:
		return fmt.Errorf("更新 Saga 失败: %w", err)
	}

	o.record(ctx, updated, JournalEntry{Event: EventStepCompleted, FromState: prevState, ToState: step.State, Subject: subject})
	o.opts.metrics.ObserveSagaStep(string(o.def.Type), step.State, updated.LastUpdatedAt.Sub(prevAt))
	log.With(logger.String("state", step.State)).Debug("[Saga] 步骤完成")

	if err := o.advance(ctx, updated); err != nil {
		if errors.Is(err, errCommandNotPublished) {
			return o.fail(ctx, updated, err.Error(), false)
		}
		return err
	}
	return nil
}

// Retry 从当前状态恢复 Saga.
//
// 重试次数耗尽时执行补偿、标记失败并返回 ErrRetriesExhausted.
// 否则刷新 timeoutAt 并重新发布当前状态对应的下一步命令；
// 补偿阶段中断的 Saga 会重新发布补偿并结束为 FAILED.
func (o *Orchestrator) Retry(ctx context.Context, sagaID string) error {
	st, err := o.store.Get(ctx, o.def.Type, sagaID)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return terminalError(st.State)
	}
	log := o.sagaLogger(ctx, sagaID)

	allowed, err := o.store.IncrementRetry(ctx, o.def.Type, sagaID)
	if err != nil {
		return err
	}
	if !allowed {
		o.record(ctx, st, JournalEntry{Event: EventRetriesExhausted, FromState: st.State, Detail: MaxRetriesExceeded})
		o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventRetriesExhausted)
		log.With(logger.Int("retryCount", st.RetryCount)).Warn("[Saga] 重试次数耗尽")
		if err := o.fail(ctx, st, MaxRetriesExceeded, false); err != nil {
			return err
		}
		return ErrRetriesExhausted
	}

	cur, err := o.store.Update(ctx, o.def.Type, sagaID, func(s *State) error {
		s.TimeoutAt = o.opts.now().Add(o.opts.timeout)
		return nil
	})
	if err != nil {
		return err
	}
	o.record(ctx, cur, JournalEntry{
		Event:     EventRetried,
		FromState: cur.State,
		Detail:    fmt.Sprintf("attempt %d/%d", cur.RetryCount, cur.MaxRetries),
	})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventRetried)
	log.With(logger.Int("retryCount", cur.RetryCount), logger.String("state", cur.State)).Info("[Saga] 重试 Saga")

	if cur.CompensationRequired {
		reason := cur.Error
		if reason == "" {
			reason = "compensation resumed by retry"
		}
		return o.fail(ctx, cur, reason, true)
	}
	return o.advance(ctx, cur)
}

// Cancel 取消 Saga，执行补偿后标记为 CANCELLED.
//
// 已完成的 Saga 返回 ErrAlreadyCompleted 且不做任何修改.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID, reason string) error {
	st, err := o.store.Get(ctx, o.def.Type, sagaID)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return terminalError(st.State)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := o.compensate(ctx, st, false); err != nil {
		return err
	}
	found, err := o.store.Cancel(ctx, o.def.Type, sagaID, reason)
	if err != nil {
		return err
	}
	if !found {
		return ErrSagaNotFound
	}

	o.record(ctx, st, JournalEntry{Event: EventCancelled, FromState: st.State, ToState: StateCancelled, Detail: reason})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCancelled)
	o.sagaLogger(ctx, sagaID).With(logger.String("reason", reason)).Info("[Saga] Saga 已取消")
	return nil
}

// HandleTimeout 处理超时 Saga: 执行补偿后以 "Saga timeout" 标记失败.
func (o *Orchestrator) HandleTimeout(ctx context.Context, sagaID string) error {
	st, err := o.store.Get(ctx, o.def.Type, sagaID)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return terminalError(st.State)
	}

	o.record(ctx, st, JournalEntry{Event: EventTimedOut, FromState: st.State, Detail: st.TimeoutAt.Format(time.RFC3339)})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventTimedOut)
	return o.fail(ctx, st, "Saga timeout", false)
}

// advance 发布下一步命令；所有步骤完成时标记 Saga 完成.
func (o *Orchestrator) advance(ctx context.Context, st *State) error {
	n := o.def.next(st)
	if n < 0 {
		return fmt.Errorf("%w: %s 状态 %s 未定义", ErrInvalidDefinition, o.def.Type, st.State)
	}

	for i := o.def.stepIndex(st.State) + 1; i < n; i++ {
		o.record(ctx, st, JournalEntry{Event: EventStepSkipped, FromState: st.State, Subject: o.def.Steps[i].Command})
	}

	if n >= len(o.def.Steps) {
		return o.complete(ctx, st)
	}

	if cur, err := o.store.Get(ctx, o.def.Type, st.SagaID); err == nil && cur.CompensationRequired {
		o.sagaLogger(ctx, st.SagaID).Debug("[Saga] 补偿已开始，不再发布下一步命令")
		return nil
	}

	step := o.def.Steps[n]
	if err := o.publish(ctx, st, step.Command, step.Fields); err != nil {
		return fmt.Errorf("%w %s: %w", errCommandNotPublished, step.Command, err)
	}
	o.record(ctx, st, JournalEntry{Event: EventCommandPublished, FromState: st.State, Subject: step.Command})
	return nil
}

// complete 发布完成通知并标记 Saga 完成.
func (o *Orchestrator) complete(ctx context.Context, st *State) error {
	log := o.sagaLogger(ctx, st.SagaID)

	if o.def.Notify != "" {
		if err := o.publish(ctx, st, o.def.Notify, o.def.NotifyFields); err != nil {
			log.With(logger.String("subject", o.def.Notify), logger.Err(err)).Warn("[Saga] 完成通知发布失败")
		}
	}

	if err := o.store.MarkCompleted(ctx, o.def.Type, st.SagaID); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			return nil
		}
		return fmt.Errorf("标记 Saga 完成失败: %w", err)
	}

	o.record(ctx, st, JournalEntry{Event: EventCompleted, FromState: st.State, ToState: StateCompleted})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCompleted)
	log.With(logger.Duration("elapsed", o.opts.now().Sub(st.StartedAt))).Info("[Saga] Saga 已完成")
	return nil
}

// fail 执行补偿并标记 Saga 失败.
//
// force 为 true 时即使补偿已被认领也重新发布补偿命令.
func (o *Orchestrator) fail(ctx context.Context, st *State, reason string, force bool) error {
	if err := o.compensate(ctx, st, force); err != nil {
		if isGone(err) {
			return nil
		}
		return err
	}

	if err := o.store.MarkFailed(ctx, o.def.Type, st.SagaID, reason); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("标记 Saga 失败状态失败: %w", err)
	}

	o.record(ctx, st, JournalEntry{Event: EventFailed, FromState: st.State, ToState: StateFailed, Detail: reason})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventFailed)
	o.sagaLogger(ctx, st.SagaID).With(logger.String("reason", reason)).Warn("[Saga] Saga 已失败")
	return nil
}

// lateCompletion 处理补偿认领之后到达的进行中步骤的事件.
//
// 状态不推进. 步骤实际已成功且定义了补偿时补发该步骤的补偿命令，
// 因为认领时的逆序遍历看不到它.
func (o *Orchestrator) lateCompletion(ctx context.Context, st *State, i int, subject string, event map[string]any, failed bool) {
	step := o.def.Steps[i]
	if failed || step.Compensation == "" {
		o.duplicate(ctx, st, subject)
		return
	}

	snapshot := st.Clone()
	mergeEvent(snapshot, event)
	log := o.sagaLogger(ctx, st.SagaID).With(logger.String("event", subject), logger.String("compensation", step.Compensation))
	if err := o.publish(ctx, snapshot, step.Compensation, step.CompensationFields); err != nil {
		o.record(ctx, st, JournalEntry{Event: EventCompensationFailed, FromState: st.State, Subject: step.Compensation, Detail: err.Error()})
		o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCompensationFailed)
		log.With(logger.Bool("critical", true), logger.Err(err)).Error("[Saga] 补偿命令发布失败，需要人工介入")
		if _, err := o.store.Update(ctx, o.def.Type, st.SagaID, func(s *State) error {
			s.FailedCompensations = append(s.FailedCompensations, step.Compensation)
			return nil
		}); err != nil {
			log.With(logger.Err(err)).Error("[Saga] 记录补偿失败失败")
		}
		return
	}
	o.record(ctx, st, JournalEntry{Event: EventCompensationSent, FromState: st.State, Subject: step.Compensation})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCompensationSent)
	log.Warn("[Saga] 补偿开始后步骤才完成，补发补偿命令")
}

// abort 启动阶段失败时尽力标记 Saga 失败，此时没有需要补偿的步骤.
func (o *Orchestrator) abort(ctx context.Context, st *State, reason string) {
	log := o.sagaLogger(ctx, st.SagaID).With(logger.String("reason", reason))
	if err := o.store.MarkFailed(ctx, o.def.Type, st.SagaID, reason); err != nil && !isGone(err) {
		log.With(logger.Err(err)).Error("[Saga] 启动失败且无法标记失败状态")
	}
	o.record(ctx, st, JournalEntry{Event: EventFailed, FromState: st.State, ToState: StateFailed, Detail: reason})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventFailed)
	log.Error("[Saga] Saga 启动失败")
}

// compensate 认领补偿后按 completedSteps 逆序发布补偿命令.
//
// 认领是对 compensationRequired 的原子条件更新，已被认领时直接返回.
// 补偿命令发布失败不会中断遍历，失败的主题记录在 failedCompensations 中.
func (o *Orchestrator) compensate(ctx context.Context, st *State, force bool) error {
	cur, err := o.store.Update(ctx, o.def.Type, st.SagaID, func(s *State) error {
		if s.CompensationRequired && !force {
			return errCompensationClaimed
		}
		s.CompensationRequired = true
		return nil
	})
	if errors.Is(err, errCompensationClaimed) {
		o.sagaLogger(ctx, st.SagaID).Debug("[Saga] 补偿已被认领")
		return nil
	}
	if err != nil {
		return err
	}

	var failed []string
	for i := len(cur.CompletedSteps) - 1; i >= 0; i-- {
		step, ok := o.def.compensationFor(cur.CompletedSteps[i])
		if !ok {
			continue
		}
		if err := o.publish(ctx, cur, step.Compensation, step.CompensationFields); err != nil {
			failed = append(failed, step.Compensation)
			o.record(ctx, cur, JournalEntry{Event: EventCompensationFailed, FromState: cur.State, Subject: step.Compensation, Detail: err.Error()})
			o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCompensationFailed)
			o.sagaLogger(ctx, cur.SagaID).With(
				logger.String("compensation", step.Compensation),
				logger.Bool("critical", true),
				logger.Err(err),
			).Error("[Saga] 补偿命令发布失败，需要人工介入")
			continue
		}
		o.record(ctx, cur, JournalEntry{Event: EventCompensationSent, FromState: cur.State, Subject: step.Compensation})
		o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventCompensationSent)
	}

	if len(failed) > 0 {
		_, err := o.store.Update(ctx, o.def.Type, st.SagaID, func(s *State) error {
			s.FailedCompensations = append(s.FailedCompensations, failed...)
			return nil
		})
		if err != nil {
			o.sagaLogger(ctx, st.SagaID).With(logger.Err(err)).Error("[Saga] 记录补偿失败失败")
		}
	}
	return nil
}

// publish 以 Saga 元数据构造负载并发布.
func (o *Orchestrator) publish(ctx context.Context, st *State, subject string, fields []string) error {
	opts := []messaging.PublishOption{
		messaging.WithHeader("saga-id", st.SagaID),
		messaging.WithHeader("saga-type", string(st.SagaType)),
	}
	if o.opts.publishRetries >= 0 {
		opts = append(opts, messaging.WithRetries(o.opts.publishRetries))
	}
	return o.bus.Publish(ctx, subject, o.payload(st, fields), opts...)
}

// payload 命令负载: sagaId、时间戳、用户信息与选定的元数据.
func (o *Orchestrator) payload(st *State, fields []string) map[string]any {
	p := map[string]any{
		"sagaId":    st.SagaID,
		"sagaType":  string(st.SagaType),
		"timestamp": o.opts.now().UTC().Format(time.RFC3339Nano),
	}
	if fields == nil {
		for k, v := range st.Metadata {
			p[k] = v
		}
	} else {
		for _, k := range fields {
			if v, ok := st.Metadata[k]; ok {
				p[k] = v
			}
		}
	}
	if _, ok := p["userId"]; !ok && st.UserID != "" {
		p["userId"] = st.UserID
	}
	if _, ok := p["userEmail"]; !ok && st.UserEmail != "" {
		p["userEmail"] = st.UserEmail
	}
	return p
}

func (o *Orchestrator) duplicate(ctx context.Context, st *State, subject string) {
	o.record(ctx, st, JournalEntry{Event: EventDuplicateIgnored, FromState: st.State, Subject: subject})
	o.opts.metrics.RecordSagaEvent(string(o.def.Type), EventDuplicateIgnored)
	o.sagaLogger(ctx, st.SagaID).With(
		logger.String("event", subject),
		logger.String("state", st.State),
	).Info("[Saga] 事件与当前状态不符，按重复投递忽略")
}

func (o *Orchestrator) record(ctx context.Context, st *State, entry JournalEntry) {
	if o.opts.journal == nil {
		return
	}
	entry.SagaID = st.SagaID
	entry.SagaType = st.SagaType
	entry.CreatedAt = o.opts.now()
	if err := o.opts.journal.Record(ctx, entry); err != nil {
		o.log.With(logger.String("sagaId", st.SagaID), logger.Err(err)).Warn("[Saga] 写入流水失败")
	}
}

func (o *Orchestrator) stepFor(subject string) int {
	for i, step := range o.def.Steps {
		if step.Completed == subject {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) sagaLogger(ctx context.Context, sagaID string) logger.Logger {
	return o.log.WithContext(logger.ContextWithSagaID(ctx, sagaID))
}

// isGone 判断错误是否表示 Saga 已不存在或已终结.
func isGone(err error) bool {
	return errors.Is(err, ErrSagaNotFound) ||
		errors.Is(err, ErrAlreadyCompleted) ||
		errors.Is(err, ErrAlreadyTerminal)
}
