package messaging

import "errors"

// 预定义错误.
//
// 所有错误均可通过 errors.Is 进行判断:
//
//	if errors.Is(err, messaging.ErrCircuitOpen) {
//	    // 熔断期间快速失败
//	}
var (
	// ErrCircuitOpen 熔断器打开，发布被快速拒绝.
	ErrCircuitOpen = errors.New("messaging: 熔断器已打开")

	// ErrPublishFailed 发布重试耗尽.
	ErrPublishFailed = errors.New("messaging: 消息发布失败")

	// ErrNotConnected 尚未建立连接.
	ErrNotConnected = errors.New("messaging: 未连接")

	// ErrClientClosed 客户端已关闭.
	ErrClientClosed = errors.New("messaging: 客户端已关闭")

	// ErrNilMessage 消息为空.
	ErrNilMessage = errors.New("messaging: 消息为空")

	// ErrEmptySubject 消息主题为空.
	ErrEmptySubject = errors.New("messaging: 消息主题为空")

	// ErrEmptyGroup 队列组为空.
	ErrEmptyGroup = errors.New("messaging: 队列组为空")

	// ErrNilHandler 消息处理器为空.
	ErrNilHandler = errors.New("messaging: 消息处理器为空")

	// ErrUnsupportedType 不支持的传输类型.
	ErrUnsupportedType = errors.New("messaging: 不支持的传输类型")

	// ErrNoBrokers 未配置服务器地址.
	ErrNoBrokers = errors.New("messaging: 未配置服务器地址")

	// ErrCreateClient 创建底层客户端失败.
	ErrCreateClient = errors.New("messaging: 创建客户端失败")

	// ErrNacked 服务端拒绝确认消息.
	ErrNacked = errors.New("messaging: 消息未被确认")
)
