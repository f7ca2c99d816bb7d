package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Tsukikage7/auction-saga/logger"
)

// RabbitMQTransport 基于 RabbitMQ 主题交换机的传输.
//
// 每个 (队列组, 主题) 声明一个持久化队列 "<group>.<subject>" 并以主题为路由键绑定到交换机，
// 同组的多个实例共享该队列，实现竞争消费. 消息手动确认，发布启用 confirm 模式.
//
// 连接断开时不自动重连，断开事件通过 Disconnected 上报，由 Client 的重连任务调用 Connect 恢复；
// Connect 成功后会重新建立所有已注册的订阅.
type RabbitMQTransport struct {
	url           string
	exchange      string
	prefetchCount int
	logger        logger.Logger

	mu       sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	pubMu    sync.Mutex
	subs     []*rabbitMQSubscription
	closed   atomic.Bool

	disconnected chan error
}

type rabbitMQSubscription struct {
	ctx     context.Context
	subject string
	group   string
	handler Handler

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRabbitMQTransport 创建 RabbitMQ 传输，调用 Connect 后才真正建立连接.
func NewRabbitMQTransport(cfg *Config, log logger.Logger) *RabbitMQTransport {
	exchange := cfg.Exchange
	if cfg.ClusterID != "" {
		exchange = cfg.ClusterID + "." + exchange
	}
	return &RabbitMQTransport{
		url:           cfg.URL,
		exchange:      exchange,
		prefetchCount: cfg.PrefetchCount,
		logger:        log,
		disconnected:  make(chan error, 1),
	}
}

// Connect 建立连接与发布 channel，并恢复已注册的订阅.
func (t *RabbitMQTransport) Connect(_ context.Context) error {
	if t.closed.Load() {
		return ErrClientClosed
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateClient, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrCreateClient, err)
	}
	if err := t.declareExchange(ch); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("启用发布确认失败: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	t.mu.Lock()
	if t.conn != nil && !t.conn.IsClosed() {
		t.conn.Close()
	}
	t.conn = conn
	t.channel = ch
	t.confirms = confirms
	subs := append([]*rabbitMQSubscription(nil), t.subs...)
	t.mu.Unlock()

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go t.watch(conn, notifyClose)

	for _, sub := range subs {
		if err := t.consume(conn, sub); err != nil {
			t.log().With(
				logger.String("subject", sub.subject),
				logger.String("group", sub.group),
				logger.Err(err),
			).Error("[Messaging] 恢复订阅失败")
		}
	}

	t.log().With(logger.String("exchange", t.exchange)).Info("[Messaging] RabbitMQ 连接已建立")
	return nil
}

func (t *RabbitMQTransport) watch(conn *amqp.Connection, notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if t.closed.Load() {
		return
	}

	t.mu.RLock()
	current := t.conn == conn
	t.mu.RUnlock()
	if !current {
		return
	}

	err := fmt.Errorf("%w: 连接已关闭", ErrNotConnected)
	if ok && amqpErr != nil {
		err = fmt.Errorf("%w: %s", ErrNotConnected, amqpErr.Reason)
	}
	t.log().With(logger.Err(err)).Warn("[Messaging] RabbitMQ 连接断开")
	notify(t.disconnected, err)
}

func (t *RabbitMQTransport) declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		t.exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("声明交换机失败: %w", err)
	}
	return nil
}

// Publish 以持久化模式发布消息并等待 broker 确认.
func (t *RabbitMQTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrClientClosed
	}

	t.mu.RLock()
	ch := t.channel
	confirms := t.confirms
	t.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg.Data,
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.Timestamp,
		MessageId:    msg.ID,
	}
	if len(msg.Headers) > 0 {
		publishing.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			publishing.Headers[k] = v
		}
	}

	// confirm 按发布顺序返回，发布与等待确认需串行
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if err := ch.PublishWithContext(ctx, t.exchange, msg.Subject, false, false, publishing); err != nil {
		return err
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return ErrNotConnected
		}
		if !confirm.Ack {
			return ErrNacked
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 声明并绑定队列后开始消费.
//
// 未连接时只登记订阅，待 Connect 成功后再建立.
func (t *RabbitMQTransport) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if group == "" {
		return ErrEmptyGroup
	}
	if handler == nil {
		return ErrNilHandler
	}
	if t.closed.Load() {
		return ErrClientClosed
	}

	sub := &rabbitMQSubscription{ctx: ctx, subject: subject, group: group, handler: handler}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return t.consume(conn, sub)
}

func (t *RabbitMQTransport) consume(conn *amqp.Connection, sub *rabbitMQSubscription) error {
	if sub.ctx.Err() != nil {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(t.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}
	if err := t.declareExchange(ch); err != nil {
		ch.Close()
		return err
	}

	queue, err := ch.QueueDeclare(sub.group+"."+sub.subject, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("声明队列失败: %w", err)
	}
	if err := ch.QueueBind(queue.Name, sub.subject, t.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("绑定队列失败: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	sub.mu.Lock()
	if sub.channel != nil {
		sub.channel.Close()
	}
	sub.channel = ch
	sub.mu.Unlock()

	go t.deliver(sub, deliveries)
	return nil
}

func (t *RabbitMQTransport) deliver(sub *rabbitMQSubscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-sub.ctx.Done():
			sub.mu.Lock()
			if sub.channel != nil {
				sub.channel.Close()
			}
			sub.mu.Unlock()
			return

		case d, ok := <-deliveries:
			if !ok {
				return
			}

			msg := convertDelivery(&d)
			if err := sub.handler(sub.ctx, msg); err != nil {
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func convertDelivery(d *amqp.Delivery) *Message {
	msg := &Message{
		ID:          d.MessageId,
		Subject:     d.RoutingKey,
		Data:        d.Body,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				msg.Headers[k] = s
			}
		}
	}
	return msg
}

// Disconnected 返回断开通知.
func (t *RabbitMQTransport) Disconnected() <-chan error {
	return t.disconnected
}

// Close 关闭所有 channel 与连接.
func (t *RabbitMQTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		sub.mu.Lock()
		if sub.channel != nil {
			sub.channel.Close()
		}
		sub.mu.Unlock()
	}
	if t.channel != nil {
		t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *RabbitMQTransport) log() logger.Logger {
	if t.logger == nil {
		return logger.NewNop()
	}
	return t.logger
}
