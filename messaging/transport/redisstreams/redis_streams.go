// Package redisstreams 基于 Redis Streams 消费组的传输实现
//
// 每个 topic 一个 Stream；消费组映射为 XGROUP。Ack 即 XACK；
// Nak 不确认，消息留在 PEL 中，由读取循环周期性 XAUTOCLAIM
// 把闲置超时的条目重新投递。
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// client 捕获依赖的 go-redis 命令子集（便于测试替身）
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	// Client 复用既有客户端（为 nil 时按 Addr 自建）
	Client redis.UniversalClient

	Addr     string
	Username string
	Password string
	DB       int

	StreamPrefix string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64

	// RedeliverAfter PEL 中闲置多久后重新投递
	RedeliverAfter time.Duration

	// MinReadBackoff/MaxReadBackoff 读取错误退避区间
	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration
}

type subscription struct {
	topic   string
	group   string
	handler messaging.DeliveryHandler
	started bool
}

// Transport messaging.Transport 的 Redis Streams 实现
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	mu      sync.RWMutex
	subs    []*subscription
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published   atomic.Int64
	delivered   atomic.Int64
	redelivered atomic.Int64
}

// NewTransport 创建 Redis Streams 传输
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "sagaflow:"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = 30 * time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{
			Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB,
		})
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	return &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    logging.ComponentLogger("transport.redisstreams"),
	}, nil
}

// Publish 发布消息
func (t *Transport) Publish(ctx context.Context, topic string, rec messaging.Record) error {
	values, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamName(topic),
		Values: values,
	}).Err()
	if err != nil {
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
		t.startReaderLocked(s)
	}
	return nil
}

// Start 启动全部消费循环
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, s := range t.subs {
		t.startReaderLocked(s)
	}
	t.running = true
	return nil
}

// Close 停止消费循环并按需关闭客户端
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		if t.ownClient {
			return t.client.Close()
		}
		return nil
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	if t.ownClient {
		return t.client.Close()
	}
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

func (t *Transport) startReaderLocked(s *subscription) {
	if s.started {
		return
	}
	s.started = true
	t.wg.Add(1)
	go t.readLoop(s)
}

func (t *Transport) readLoop(s *subscription) {
	defer t.wg.Done()
	stream := t.streamName(s.topic)
	if err := t.ensureGroup(stream, s.group); err != nil {
		t.logger.Warn(t.ctx, "ensure group failed",
			logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	lastClaim := time.Now()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// 周期性认领 PEL 中闲置超时的条目（Nak 或消费者崩溃后的重投）
		if time.Since(lastClaim) >= t.cfg.RedeliverAfter {
			t.claimStale(s, stream)
			lastClaim = time.Now()
		}

		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn(t.ctx, "xreadgroup failed",
				logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.handleEntry(s, streamRes.Stream, entry, false)
			}
		}
	}
}

// claimStale 认领并重投闲置超时的 PEL 条目
func (t *Transport) claimStale(s *subscription, stream string) {
	msgs, _, err := t.client.XAutoClaim(t.ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: t.cfg.ConsumerName,
		MinIdle:  t.cfg.RedeliverAfter,
		Start:    "0-0",
		Count:    t.cfg.ReadCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && t.ctx.Err() == nil {
			t.logger.Warn(t.ctx, "xautoclaim failed", logging.Error(err))
		}
		return
	}
	for _, entry := range msgs {
		t.handleEntry(s, stream, entry, true)
	}
}

func (t *Transport) handleEntry(s *subscription, stream string, entry redis.XMessage, redelivery bool) {
	t.delivered.Add(1)
	if redelivery {
		t.redelivered.Add(1)
	}
	rec, err := decodeRecord(entry)
	if err != nil {
		// 无法解码的条目直接确认丢弃，避免毒化消费循环
		t.logger.Warn(t.ctx, "decode stream entry failed",
			logging.String("entry", entry.ID), logging.Error(err))
		_ = t.client.XAck(t.ctx, stream, s.group, entry.ID).Err()
		return
	}
	d := &delivery{
		transport: t,
		stream:    stream,
		group:     s.group,
		topic:     s.topic,
		entryID:   entry.ID,
		rec:       rec,
	}
	if err := s.handler(t.ctx, d); err != nil {
		t.logger.Warn(t.ctx, "stream delivery handler failed",
			logging.String("topic", s.topic), logging.Error(err))
	}
}

func (t *Transport) ensureGroup(stream, group string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, group, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) streamName(topic string) string {
	return t.cfg.StreamPrefix + topic
}

func encodeRecord(rec messaging.Record) (map[string]any, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":     string(rec.Key),
		"value":   string(rec.Value),
		"headers": string(headers),
	}, nil
}

func decodeRecord(entry redis.XMessage) (messaging.Record, error) {
	key, _ := entry.Values["key"].(string)
	value, _ := entry.Values["value"].(string)
	headersRaw, _ := entry.Values["headers"].(string)

	headers := make(map[string]string)
	if headersRaw != "" {
		if err := json.Unmarshal([]byte(headersRaw), &headers); err != nil {
			return messaging.Record{}, err
		}
	}
	return messaging.Record{
		Key:     []byte(key),
		Value:   []byte(value),
		Headers: headers,
	}, nil
}

// delivery messaging.Delivery 的 Redis Streams 实现
type delivery struct {
	transport *Transport
	stream    string
	group     string
	topic     string
	entryID   string
	rec       messaging.Record
}

func (d *delivery) Record() messaging.Record { return d.rec }

func (d *delivery) Topic() string { return d.topic }

// Partition Redis Streams 不暴露分区概念
func (d *delivery) Partition() int { return 0 }

func (d *delivery) Ack() error {
	return d.transport.client.XAck(context.Background(), d.stream, d.group, d.entryID).Err()
}

// Nak 不确认：条目留在 PEL，闲置超时后由 XAUTOCLAIM 重投
func (d *delivery) Nak() error { return nil }
