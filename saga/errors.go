package saga

import "errors"

// 预定义错误.
//
// 编排器操作以这些错误变体返回结果，调用方通过 errors.Is 区分:
//
//	if errors.Is(err, saga.ErrSagaNotFound) {
//	    // 404
//	}
var (
	// ErrSagaNotFound Saga 不存在.
	ErrSagaNotFound = errors.New("saga: saga not found")

	// ErrRetriesExhausted 重试次数已用尽.
	ErrRetriesExhausted = errors.New("saga: " + MaxRetriesExceeded)

	// ErrAlreadyCompleted Saga 已成功完成，不可再变更.
	ErrAlreadyCompleted = errors.New("saga: saga already completed")

	// ErrAlreadyTerminal Saga 已失败或已取消.
	ErrAlreadyTerminal = errors.New("saga: saga already terminal")

	// ErrStateConflict 并发更新冲突，重试后仍未成功.
	ErrStateConflict = errors.New("saga: concurrent state update conflict")

	// ErrUnknownType 未注册的 Saga 类型.
	ErrUnknownType = errors.New("saga: unknown saga type")

	// ErrInvalidRequest 启动请求缺少必要字段.
	ErrInvalidRequest = errors.New("saga: invalid start request")

	// ErrInvalidDefinition Saga 定义无效.
	ErrInvalidDefinition = errors.New("saga: invalid definition")

	// ErrStoreClosed 存储已关闭.
	ErrStoreClosed = errors.New("saga: store closed")
)

// terminalError 返回对终态 Saga 执行变更时应报告的错误.
func terminalError(state string) error {
	if state == StateCompleted {
		return ErrAlreadyCompleted
	}
	return ErrAlreadyTerminal
}
