// Package rabbitmq 基于 RabbitMQ topic exchange 的传输实现
//
// topic 映射为路由键，消费组映射为持久化队列（组内成员共享）。
// 发布开启 publisher confirm：Publish 返回 nil 即 broker 已落盘。
// 手动 Ack/Nack，Nack 带 requeue 重投。
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"sagaflow/logging"
	"sagaflow/messaging"
)

const headerRecordKey = "record-key"

// Config RabbitMQ 传输配置
type Config struct {
	URL      string
	Exchange string

	// Prefetch 每个消费者的未确认消息上限（1 保证队列级串行）
	Prefetch int
}

type subscription struct {
	topic   string
	group   string
	handler messaging.DeliveryHandler
	started bool
}

// Transport messaging.Transport 的 RabbitMQ 实现
type Transport struct {
	cfg     Config
	logger  logging.Logger
	conn    *amqp091.Connection
	pubCh   *amqp091.Channel
	confirm chan amqp091.Confirmation

	mu      sync.Mutex
	subs    []*subscription
	running bool
	wg      sync.WaitGroup

	published   atomic.Int64
	delivered   atomic.Int64
	redelivered atomic.Int64
}

// NewTransport 创建 RabbitMQ 传输
func NewTransport(cfg Config) *Transport {
	if cfg.Exchange == "" {
		cfg.Exchange = "sagaflow"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.ComponentLogger("transport.rabbitmq"),
	}
}

// Publish 发布消息（等待 publisher confirm）
func (t *Transport) Publish(ctx context.Context, topic string, rec messaging.Record) error {
	t.mu.Lock()
	ch := t.pubCh
	confirm := t.confirm
	running := t.running
	t.mu.Unlock()
	if !running || ch == nil {
		return errors.New("rabbitmq transport not running")
	}

	headers := make(amqp091.Table, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	if len(rec.Key) > 0 {
		headers[headerRecordKey] = string(rec.Key)
	}

	err := ch.PublishWithContext(ctx,
		t.cfg.Exchange, topic,
		false, false,
		amqp091.Publishing{
			ContentType:  "application/octet-stream",
			Body:         rec.Value,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
			MessageId:    rec.Header("event-id"),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	select {
	case c := <-confirm:
		if !c.Ack {
			return fmt.Errorf("publish to %s: broker nacked", topic)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	t.published.Add(1)
	return nil
}

// Subscribe 按 topic 和消费组订阅
func (t *Transport) Subscribe(topic, group string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &subscription{topic: topic, group: group, handler: handler}
	t.subs = append(t.subs, s)
	if t.running {
		return t.startConsumerLocked(s)
	}
	return nil
}

// Start 建立连接并激活全部订阅
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("rabbitmq transport already running")
	}

	conn, err := amqp091.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := pubCh.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	t.conn = conn
	t.pubCh = pubCh
	t.confirm = pubCh.NotifyPublish(make(chan amqp091.Confirmation, 1))
	t.running = true

	for _, s := range t.subs {
		if err := t.startConsumerLocked(s); err != nil {
			t.closeLocked()
			return err
		}
	}
	return nil
}

// Close 关闭传输
func (t *Transport) Close() error {
	t.mu.Lock()
	err := t.closeLocked()
	t.mu.Unlock()
	t.wg.Wait()
	return err
}

func (t *Transport) closeLocked() error {
	if !t.running {
		return nil
	}
	t.running = false
	for _, s := range t.subs {
		s.started = false
	}
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// Stats 返回统计信息
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		info = append(info, s.topic+"/"+s.group)
	}
	return messaging.TransportStats{
		Running:        t.running,
		SubscriberInfo: info,
		Published:      t.published.Load(),
		Delivered:      t.delivered.Load(),
		Redelivered:    t.redelivered.Load(),
	}
}

func (t *Transport) startConsumerLocked(s *subscription) error {
	if s.started {
		return nil
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	queueName := fmt.Sprintf("%s.%s.%s", t.cfg.Exchange, s.group, s.topic)
	queue, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queue.Name, s.topic, t.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}
	msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	s.started = true
	t.wg.Add(1)
	go t.consumeLoop(s, ch, msgs)
	return nil
}

func (t *Transport) consumeLoop(s *subscription, ch *amqp091.Channel, msgs <-chan amqp091.Delivery) {
	defer func() {
		_ = ch.Close()
		t.wg.Done()
	}()
	for msg := range msgs {
		t.delivered.Add(1)
		if msg.Redelivered {
			t.redelivered.Add(1)
		}
		d := &delivery{msg: msg, topic: s.topic}
		if err := s.handler(context.Background(), d); err != nil {
			t.logger.Warn(context.Background(), "rabbitmq delivery handler failed",
				logging.String("topic", s.topic), logging.Error(err))
		}
	}
}

// delivery messaging.Delivery 的 RabbitMQ 实现
type delivery struct {
	msg   amqp091.Delivery
	topic string
}

func (d *delivery) Record() messaging.Record {
	headers := make(map[string]string, len(d.msg.Headers))
	var key string
	for k, v := range d.msg.Headers {
		sv, ok := v.(string)
		if !ok {
			continue
		}
		if k == headerRecordKey {
			key = sv
			continue
		}
		headers[k] = sv
	}
	return messaging.Record{
		Key:     []byte(key),
		Value:   d.msg.Body,
		Headers: headers,
	}
}

func (d *delivery) Topic() string { return d.topic }

// Partition RabbitMQ 不暴露分区概念
func (d *delivery) Partition() int { return 0 }

func (d *delivery) Ack() error { return d.msg.Ack(false) }

func (d *delivery) Nak() error { return d.msg.Nack(false, true) }
