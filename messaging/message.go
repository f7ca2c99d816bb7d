package messaging

import (
	"context"
	"time"

	"github.com/cloudresty/ulid"
)

// Message 总线消息.
//
// Data 为 JSON 编码的负载，序列化由调用方控制.
//
// 接收示例:
//
//	handler := func(ctx context.Context, msg *messaging.Message) error {
//	    var event saga.Event
//	    if err := json.Unmarshal(msg.Data, &event); err != nil {
//	        return nil // 无法解析的消息直接确认，避免无限重投
//	    }
//	    return orchestrator.Handle(ctx, msg.Subject, event)
//	}
type Message struct {
	// ID 消息ID（ULID），发布时自动生成.
	ID string

	// Subject 消息主题，必填.
	Subject string

	// Data 消息内容.
	Data []byte

	// Headers 消息头，用于传递元数据.
	Headers map[string]string

	// Timestamp 发布时间.
	Timestamp time.Time

	// Redelivered 是否为重投递.
	Redelivered bool
}

// Handler 消息处理函数.
//
// 返回 nil 表示消息已处理并确认；返回错误则消息会被重新投递.
type Handler func(ctx context.Context, msg *Message) error

// NewMessage 创建带 ULID 的消息.
func NewMessage(subject string, data []byte) (*Message, error) {
	id, err := ulid.New()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

func (m *Message) validate() error {
	if m == nil {
		return ErrNilMessage
	}
	if m.Subject == "" {
		return ErrEmptySubject
	}
	return nil
}
