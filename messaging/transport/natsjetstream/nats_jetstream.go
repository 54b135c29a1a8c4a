// Package natsjetstream 基于 NATS JetStream 的传输实现
//
// subject = 前缀 + topic；消费组映射为 durable queue group。
// 发布时带 Nats-Msg-Id（事件 ID）：JetStream 在去重窗口内丢弃
// broker 侧重复。未 Ack 的消息在 AckWait 后重投。
//
// 顺序性说明：JetStream 不按 Key 分区。单消费者实例
// （MaxAckPending=1）可获得 subject 级串行；多实例部署时
// 同 Key 的严格顺序依赖下游 Inbox 去重与 Saga 状态机兜底。
package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// 头名
const (
	headerRecordKey = "record-key"
	headerMsgID     = "Nats-Msg-Id"
)

// Config JetStream 传输配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int

	// Conn 复用既有连接（为 nil 时按 URL 自建）
	Conn *nats.Conn

	// Retention 流保留策略：workqueue|limits|interest（默认 interest）
	Retention string
}

type subscription struct {
	topic   string
	group   string
	handler messaging.DeliveryHandler
	sub     *nats.Subscription
}

// Transport messaging.Transport 的 JetStream 实现
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu      sync.RWMutex
	subs    []*subscription
	running bool

	published   atomic.Int64
	delivered   atomic.Int64
	redelivered atomic.Int64
}

// NewTransport 创建 JetStream 传输
func NewTransport(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "SAGAFLOW"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "sagaflow."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "sagaflow-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.ComponentLogger("transport.nats"),
	}
}

// Publish 发布消息
func (t *Transport) Publish(ctx context.Context, topic string, rec messaging.Record) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats transport not running")
	}

	msg := nats.NewMsg(t.subjectName(topic))
	msg.Data = rec.Value
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	if len(rec.Key) > 0 {
		msg.Header.Set(headerRecordKey, string(rec.Key))
	}
	if eventID := rec.Header("event-id"); eventID != "" {
		msg.Header.Set(headerMsgID, eventID)
	}

	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return err
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
		return t.subscribeLocked(s)
	}
	return nil
}

// Start 建立连接、确保流存在并激活全部订阅
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for _, s := range t.subs {
		if err := t.subscribeLocked(s); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

// Close 关闭传输
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for _, s := range t.subs {
		if s.sub != nil {
			_ = s.sub.Drain()
			s.sub = nil
		}
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

// Stats 返回统计信息
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
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

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		if t.cfg.URL == "" {
			t.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(t.cfg.URL)
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.InterestPolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "workqueue":
		retention = nats.WorkQueuePolicy
	case "limits":
		retention = nats.LimitsPolicy
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:      t.cfg.Stream,
		Subjects:  []string{t.cfg.SubjectPrefix + ">"},
		Retention: retention,
		// 去重窗口：同 Nats-Msg-Id 的重复发布被 broker 丢弃
		Duplicates: 2 * time.Minute,
	})
	return err
}

func (t *Transport) subscribeLocked(s *subscription) error {
	if s.sub != nil {
		return nil
	}
	durable := t.cfg.DurablePrefix + s.group + "-" + s.topic
	sub, err := t.js.QueueSubscribe(t.subjectName(s.topic), durable, t.handleMsg(s),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (t *Transport) handleMsg(s *subscription) nats.MsgHandler {
	return func(msg *nats.Msg) {
		t.delivered.Add(1)
		if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
			t.redelivered.Add(1)
		}
		d := &delivery{msg: msg, topic: s.topic}
		if err := s.handler(context.Background(), d); err != nil {
			t.logger.Warn(context.Background(), "nats delivery handler failed",
				logging.String("topic", s.topic), logging.Error(err))
		}
	}
}

func (t *Transport) subjectName(topic string) string {
	return t.cfg.SubjectPrefix + topic
}

// delivery messaging.Delivery 的 JetStream 实现
type delivery struct {
	msg   *nats.Msg
	topic string
}

func (d *delivery) Record() messaging.Record {
	headers := make(map[string]string, len(d.msg.Header))
	for k := range d.msg.Header {
		if k == headerRecordKey || k == headerMsgID {
			continue
		}
		headers[k] = d.msg.Header.Get(k)
	}
	return messaging.Record{
		Key:     []byte(d.msg.Header.Get(headerRecordKey)),
		Value:   d.msg.Data,
		Headers: headers,
	}
}

func (d *delivery) Topic() string { return d.topic }

// Partition JetStream 不暴露分区概念
func (d *delivery) Partition() int { return 0 }

func (d *delivery) Ack() error { return d.msg.Ack() }

func (d *delivery) Nak() error { return d.msg.Nak() }
