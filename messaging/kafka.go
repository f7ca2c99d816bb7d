package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/Tsukikage7/auction-saga/logger"
)

const kafkaHeaderMessageID = "message-id"

// KafkaTransport 基于 Kafka 的传输.
//
// 主题即 Kafka topic，队列组映射为消费者组 "<group>.<subject>"，同组实例分摊分区.
// Kafka 无法单条重投，处理失败的消息在当前会话内按指数退避原地重试，成功后才提交位移.
type KafkaTransport struct {
	brokers  []string
	clientID string
	logger   logger.Logger

	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
	subs     []*kafkaSubscription
	closed   atomic.Bool

	retryInterval time.Duration
	disconnected  chan error
}

type kafkaSubscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	subject string
	group   string
	handler Handler
	owner   *KafkaTransport
	cg      sarama.ConsumerGroup
	wg      sync.WaitGroup
}

// NewKafkaTransport 创建 Kafka 传输，调用 Connect 后才真正建立连接.
func NewKafkaTransport(cfg *Config, log logger.Logger) *KafkaTransport {
	return &KafkaTransport{
		brokers:       cfg.Brokers,
		clientID:      cfg.ClientID,
		logger:        log,
		retryInterval: cfg.BaseDelay,
		disconnected:  make(chan error, 1),
	}
}

func (t *KafkaTransport) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_8_0_0
	config.ClientID = t.clientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = false
	return config
}

// Connect 创建 sarama 客户端与同步生产者，并恢复已注册的订阅.
func (t *KafkaTransport) Connect(_ context.Context) error {
	if t.closed.Load() {
		return ErrClientClosed
	}

	client, err := sarama.NewClient(t.brokers, t.saramaConfig())
	if err != nil {
		return errors.Join(ErrCreateClient, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return errors.Join(ErrCreateClient, err)
	}

	t.mu.Lock()
	oldProducer, oldClient := t.producer, t.client
	t.client = client
	t.producer = producer
	subs := append([]*kafkaSubscription(nil), t.subs...)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
		if err := t.consume(client, sub); err != nil {
			t.log().With(
				logger.String("subject", sub.subject),
				logger.Err(err),
			).Error("[Messaging] 恢复订阅失败")
		}
	}
	if oldProducer != nil {
		oldProducer.Close()
	}
	if oldClient != nil {
		oldClient.Close()
	}

	t.log().With(logger.Any("brokers", t.brokers)).Info("[Messaging] Kafka 连接已建立")
	return nil
}

// Publish 同步发送消息.
func (t *KafkaTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrClientClosed
	}

	t.mu.Lock()
	producer := t.producer
	t.mu.Unlock()
	if producer == nil {
		return ErrNotConnected
	}

	pm := &sarama.ProducerMessage{
		Topic:     msg.Subject,
		Value:     sarama.ByteEncoder(msg.Data),
		Timestamp: msg.Timestamp,
		Headers:   []sarama.RecordHeader{{Key: []byte(kafkaHeaderMessageID), Value: []byte(msg.ID)}},
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	if _, _, err := producer.SendMessage(pm); err != nil {
		if errors.Is(err, sarama.ErrOutOfBrokers) || errors.Is(err, sarama.ErrNotConnected) {
			notify(t.disconnected, err)
		}
		return err
	}
	return nil
}

// Subscribe 以消费者组订阅主题.
//
// 未连接时只登记订阅，待 Connect 成功后再建立.
func (t *KafkaTransport) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
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

	sub := &kafkaSubscription{ctx: ctx, subject: subject, group: group, handler: handler, owner: t}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return t.consume(client, sub)
}

func (t *KafkaTransport) consume(client sarama.Client, sub *kafkaSubscription) error {
	if sub.ctx.Err() != nil {
		return nil
	}

	cg, err := sarama.NewConsumerGroupFromClient(sub.group+"."+sub.subject, client)
	if err != nil {
		return errors.Join(ErrCreateClient, err)
	}

	ctx, cancel := context.WithCancel(sub.ctx)
	sub.cg = cg
	sub.cancel = cancel

	sub.wg.Add(2)
	go func() {
		defer sub.wg.Done()
		for {
			if err := cg.Consume(ctx, []string{sub.subject}, sub); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log().With(logger.String("subject", sub.subject), logger.Err(err)).Error("[Messaging] 消费失败")
				if errors.Is(err, sarama.ErrClosedClient) || errors.Is(err, sarama.ErrOutOfBrokers) {
					notify(t.disconnected, err)
					return
				}
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-cg.Errors():
				if !ok {
					return
				}
				t.log().With(logger.String("subject", sub.subject), logger.Err(err)).Warn("[Messaging] 消费者错误")
			}
		}
	}()
	return nil
}

func (s *kafkaSubscription) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.cg != nil {
		s.cg.Close()
		s.cg = nil
	}
}

// Setup 实现 sarama.ConsumerGroupHandler.
func (s *kafkaSubscription) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup 实现 sarama.ConsumerGroupHandler.
func (s *kafkaSubscription) Cleanup(session sarama.ConsumerGroupSession) error {
	session.Commit()
	return nil
}

// ConsumeClaim 实现 sarama.ConsumerGroupHandler.
func (s *kafkaSubscription) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !s.process(session, cm) {
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// process 处理消息直到成功，会话结束时返回 false 且不提交位移.
func (s *kafkaSubscription) process(session sarama.ConsumerGroupSession, cm *sarama.ConsumerMessage) bool {
	msg := &Message{
		Subject:   cm.Topic,
		Data:      cm.Value,
		Timestamp: cm.Timestamp,
		Headers:   make(map[string]string, len(cm.Headers)),
	}
	for _, h := range cm.Headers {
		if string(h.Key) == kafkaHeaderMessageID {
			msg.ID = string(h.Value)
			continue
		}
		msg.Headers[string(h.Key)] = string(h.Value)
	}

	ctx := session.Context()
	backoff := s.owner.retryInterval
	for attempt := 0; ; attempt++ {
		msg.Redelivered = attempt > 0
		if err := s.handler(ctx, msg); err == nil {
			session.MarkMessage(cm, "")
			session.Commit()
			return true
		}

		wait := backoff * time.Duration(1<<min(attempt, 6))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Disconnected 返回断开通知.
func (t *KafkaTransport) Disconnected() <-chan error {
	return t.disconnected
}

// Close 关闭消费者组、生产者与客户端.
func (t *KafkaTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	subs := t.subs
	producer, client := t.producer, t.client
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	var errs []error
	if producer != nil {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭生产者失败: %w", err))
		}
	}
	if client != nil && !client.Closed() {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭客户端失败: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *KafkaTransport) log() logger.Logger {
	if t.logger == nil {
		return logger.NewNop()
	}
	return t.logger
}
