package dashboard

import (
	"time"

	"github.com/Tsukikage7/auction-saga/saga"
)

// 健康等级.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// 建议操作.
const (
	ActionRetry               = "retry"
	ActionForceCancel         = "force_cancel"
	ActionManualInvestigation = "manual_investigation_required"
)

const investigationOverdueWindow = 24 * time.Hour

// SagaView 带派生字段的 Saga 状态.
type SagaView struct {
	*saga.State
	ExpectedSteps  int      `json:"expectedSteps"`
	Progress       float64  `json:"progress"`
	ElapsedSeconds float64  `json:"elapsedSeconds"`
	ETASeconds     *float64 `json:"estimatedSecondsRemaining,omitempty"`
	Health         string   `json:"health"`
}

// StalledView 超时 Saga 及建议操作.
type StalledView struct {
	SagaView
	OverdueSeconds    float64 `json:"overdueSeconds"`
	RecommendedAction string  `json:"recommendedAction"`
}

// newView 计算派生字段.
//
// 进度为已完成步骤数 / 预计步骤数（百分比，终态 COMPLETED 为 100）；
// 剩余时间按已用时间与进度的比例外推，进度为 0 或已到终态时不给出.
func newView(st *saga.State, expected int, now time.Time) *SagaView {
	v := &SagaView{State: st, ExpectedSteps: expected}

	end := now
	if st.IsTerminal() {
		end = st.LastUpdatedAt
	}
	elapsed := end.Sub(st.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	v.ElapsedSeconds = elapsed.Seconds()

	switch {
	case st.State == saga.StateCompleted:
		v.Progress = 100
	case expected > 0:
		done := min(len(st.CompletedSteps), expected)
		v.Progress = float64(done) / float64(expected) * 100
	}

	if !st.IsTerminal() && v.Progress > 0 && v.Progress < 100 {
		eta := v.ElapsedSeconds/(v.Progress/100) - v.ElapsedSeconds
		v.ETASeconds = &eta
	}

	v.Health = classify(st, now)
	return v
}

// classify 按重试次数与耗时划分健康等级.
//
// critical: 重试耗尽、已超时或存在补偿失败；
// warning: 发生过重试或已用掉超过一半的超时窗口；其余为 healthy.
func classify(st *saga.State, now time.Time) string {
	if st.IsTerminal() {
		if st.State == saga.StateCompleted {
			return HealthHealthy
		}
		if len(st.FailedCompensations) > 0 {
			return HealthCritical
		}
		return HealthWarning
	}

	if st.RetriesExhausted || (st.MaxRetries > 0 && st.RetryCount >= st.MaxRetries) ||
		st.Overdue(now) || len(st.FailedCompensations) > 0 {
		return HealthCritical
	}
	if st.RetryCount > 0 {
		return HealthWarning
	}
	if !st.TimeoutAt.IsZero() {
		window := st.TimeoutAt.Sub(st.StartedAt)
		if window > 0 && now.Sub(st.StartedAt) > window/2 {
			return HealthWarning
		}
	}
	return HealthHealthy
}

// recommend 为超时 Saga 给出建议操作.
//
// 补偿失败或超时超过 24 小时需要人工介入；仍有重试次数时建议重试；否则强制取消.
func recommend(st *saga.State, overdue time.Duration) string {
	switch {
	case len(st.FailedCompensations) > 0, overdue >= investigationOverdueWindow:
		return ActionManualInvestigation
	case st.MaxRetries <= 0 || st.RetryCount < st.MaxRetries:
		return ActionRetry
	default:
		return ActionForceCancel
	}
}
