package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryTransport 进程内传输，用于测试与单机运行.
//
// 每个 (主题, 队列组) 对应一个 channel 队列，组内订阅者竞争消费.
// 发布时若主题尚无订阅者，消息被丢弃.
type MemoryTransport struct {
	mu             sync.Mutex
	connected      bool
	closed         bool
	connectErr     error
	publishErrs    []error
	groups         map[string]map[string]chan *Message
	published      []*Message
	disconnected   chan error
	redeliverDelay time.Duration
	done           chan struct{}
	wg             sync.WaitGroup
}

// NewMemoryTransport 创建进程内传输.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		groups:         make(map[string]map[string]chan *Message),
		disconnected:   make(chan error, 1),
		redeliverDelay: 5 * time.Millisecond,
		done:           make(chan struct{}),
	}
}

// Connect 建立连接，可通过 FailConnect 注入失败.
func (t *MemoryTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClientClosed
	}
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	return nil
}

// Publish 将消息投递到主题的每个队列组.
func (t *MemoryTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if len(t.publishErrs) > 0 {
		err := t.publishErrs[0]
		t.publishErrs = t.publishErrs[1:]
		t.mu.Unlock()
		return err
	}
	t.published = append(t.published, msg)
	queues := make([]chan *Message, 0, len(t.groups[msg.Subject]))
	for _, q := range t.groups[msg.Subject] {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	for _, q := range queues {
		cp := *msg
		select {
		case q <- &cp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 以队列组订阅主题.
func (t *MemoryTransport) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if group == "" {
		return ErrEmptyGroup
	}
	if handler == nil {
		return ErrNilHandler
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClientClosed
	}
	byGroup, ok := t.groups[subject]
	if !ok {
		byGroup = make(map[string]chan *Message)
		t.groups[subject] = byGroup
	}
	queue, ok := byGroup[group]
	if !ok {
		queue = make(chan *Message, 1024)
		byGroup[group] = queue
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case msg := <-queue:
				if err := handler(ctx, msg); err != nil {
					t.redeliver(ctx, queue, msg)
				}
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) redeliver(ctx context.Context, queue chan *Message, msg *Message) {
	timer := time.NewTimer(t.redeliverDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	case <-t.done:
		return
	}

	cp := *msg
	cp.Redelivered = true
	select {
	case queue <- &cp:
	default:
	}
}

// Disconnected 返回断开通知.
func (t *MemoryTransport) Disconnected() <-chan error {
	return t.disconnected
}

// Close 关闭传输并等待订阅协程退出.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// FailConnect 设置后续 Connect 返回的错误，nil 表示恢复正常.
func (t *MemoryTransport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// FailPublish 让接下来的若干次 Publish 依次返回给定错误.
func (t *MemoryTransport) FailPublish(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErrs = append(t.publishErrs, errs...)
}

// Disconnect 模拟连接断开.
func (t *MemoryTransport) Disconnect(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	notify(t.disconnected, err)
}

// Published 返回已发布消息的副本.
func (t *MemoryTransport) Published() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.published))
	copy(out, t.published)
	return out
}

// PublishedSubjects 返回已发布消息的主题序列.
func (t *MemoryTransport) PublishedSubjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.published))
	for i, m := range t.published {
		out[i] = m.Subject
	}
	return out
}
