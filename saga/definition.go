package saga

import (
	"fmt"
	"strings"
)

// Step 一个前进步骤.
//
// 编排器发布 Command 后等待 Completed 事件，收到后状态迁移为 State.
// Compensation 为空表示该步骤无需补偿.
type Step struct {
	// State 步骤完成后的状态，如 BID_VALIDATED.
	State string

	// Command 触发步骤的命令主题，如 validate-bid.
	Command string

	// Completed 步骤完成事件主题，如 bid-validated.
	Completed string

	// Compensation 补偿命令主题，如 release-funds.
	Compensation string

	// Fields 命令负载携带的元数据键，nil 表示携带全部元数据.
	Fields []string

	// CompensationFields 补偿负载携带的元数据键，nil 表示携带全部元数据.
	CompensationFields []string

	// Skip 返回 true 时跳过该步骤，用于条件分支.
	Skip func(*State) bool
}

// Seed 启动请求解析结果.
type Seed struct {
	Metadata  map[string]any
	UserID    string
	UserEmail string
}

// SeedFunc 校验启动请求并生成初始元数据.
type SeedFunc func(req map[string]any) (Seed, error)

// Definition 一种 Saga 的状态机表.
type Definition struct {
	Type     Type
	Priority Priority
	Steps    []Step

	// Notify 成功完成时额外发布的通知主题，可为空.
	Notify string

	// NotifyFields 通知负载携带的元数据键，nil 表示携带全部元数据.
	NotifyFields []string

	Seed SeedFunc
}

// Validate 校验定义.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: 类型为空", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s 没有步骤", ErrInvalidDefinition, d.Type)
	}
	if d.Seed == nil {
		return fmt.Errorf("%w: %s 缺少 Seed", ErrInvalidDefinition, d.Type)
	}

	seen := map[string]bool{StateStarted: true, StateCompleted: true, StateFailed: true, StateCancelled: true}
	subjects := make(map[string]bool)
	for i, step := range d.Steps {
		if step.State == "" || step.Command == "" || step.Completed == "" {
			return fmt.Errorf("%w: %s 第 %d 步不完整", ErrInvalidDefinition, d.Type, i+1)
		}
		if seen[step.State] {
			return fmt.Errorf("%w: %s 状态 %s 重复", ErrInvalidDefinition, d.Type, step.State)
		}
		seen[step.State] = true
		if subjects[step.Completed] {
			return fmt.Errorf("%w: %s 事件 %s 重复", ErrInvalidDefinition, d.Type, step.Completed)
		}
		subjects[step.Completed] = true
	}
	return nil
}

// States 返回前进方向的全部状态，以 STARTED 开头、COMPLETED 结尾.
func (d *Definition) States() []string {
	out := make([]string, 0, len(d.Steps)+2)
	out = append(out, StateStarted)
	for _, step := range d.Steps {
		out = append(out, step.State)
	}
	return append(out, StateCompleted)
}

// stepIndex 返回状态对应的步骤下标，STARTED 为 -1，未知状态返回 -2.
func (d *Definition) stepIndex(state string) int {
	if state == StateStarted {
		return -1
	}
	for i, step := range d.Steps {
		if step.State == state {
			return i
		}
	}
	return -2
}

// next 返回 Saga 当前应执行的步骤下标，跳过条件不满足的步骤.
//
// 返回 len(Steps) 表示所有步骤均已完成，返回 -1 表示状态未知.
func (d *Definition) next(st *State) int {
	i := d.stepIndex(st.State)
	if i == -2 {
		return -1
	}
	for i++; i < len(d.Steps); i++ {
		if skip := d.Steps[i].Skip; skip == nil || !skip(st) {
			break
		}
	}
	return i
}

// compensationFor 返回已完成状态对应的步骤.
func (d *Definition) compensationFor(state string) (Step, bool) {
	i := d.stepIndex(state)
	if i < 0 {
		return Step{}, false
	}
	step := d.Steps[i]
	return step, step.Compensation != ""
}

// ExpectedSteps 返回 Saga 预计要执行的步骤数，已跳过的分支不计入.
func (d *Definition) ExpectedSteps(st *State) int {
	n := 0
	for _, step := range d.Steps {
		if step.Skip != nil && step.Skip(st) {
			continue
		}
		n++
	}
	return n
}

// eventFailure 判断完成事件是否报告业务失败，并给出原因.
//
// status 为 FAILED、isValid 为 false 或 success 为 false 均视为失败.
func eventFailure(event map[string]any, step Step) (string, bool) {
	failed := false
	if status, ok := event["status"].(string); ok && strings.EqualFold(status, "FAILED") {
		failed = true
	}
	if v, ok := event["isValid"].(bool); ok && !v {
		failed = true
	}
	if v, ok := event["success"].(bool); ok && !v {
		failed = true
	}
	if !failed {
		return "", false
	}

	for _, key := range []string{"error", "reason", "message"} {
		if reason, ok := event[key].(string); ok && reason != "" {
			return reason, true
		}
	}
	return step.Command + " failed", true
}

// reservedEventKeys 不合并进元数据的事件字段.
var reservedEventKeys = map[string]bool{
	"sagaId":    true,
	"timestamp": true,
	"status":    true,
	"isValid":   true,
	"success":   true,
	"error":     true,
	"reason":    true,
}

// mergeEvent 将事件携带的新字段合并进元数据.
func mergeEvent(st *State, event map[string]any) {
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	for k, v := range event {
		if reservedEventKeys[k] {
			continue
		}
		st.Metadata[k] = cloneValue(v)
	}
}
