package messaging

import (
	"context"
	"fmt"

	"github.com/Tsukikage7/auction-saga/logger"
)

// Transport 底层消息传输.
//
// 实现需保证:
//   - 同一队列组内每条消息只投递给一个订阅者
//   - Handler 返回错误时消息重新投递，返回 nil 时确认
//   - Connect 可重复调用，重连后恢复此前注册的订阅
type Transport interface {
	// Connect 建立连接.
	Connect(ctx context.Context) error

	// Publish 发布一条消息，返回前等待服务端确认.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe 以队列组身份订阅主题，消费在后台进行直到 ctx 取消或 Close.
	Subscribe(ctx context.Context, subject, group string, handler Handler) error

	// Disconnected 返回连接断开通知.
	Disconnected() <-chan error

	// Close 关闭连接.
	Close() error
}

// NewTransport 根据配置创建传输.
func NewTransport(cfg *Config, log logger.Logger) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case TypeRabbitMQ:
		return NewRabbitMQTransport(cfg, log), nil
	case TypeKafka:
		return NewKafkaTransport(cfg, log), nil
	case TypeMemory:
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
}

// notify 非阻塞地发送断开通知.
func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
