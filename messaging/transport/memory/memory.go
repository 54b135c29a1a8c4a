// Package memory 提供基于内存分区日志的消息传输实现
// 适用于单进程部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"sagaflow/messaging"
)

// Transport 内存消息传输实现
//
// 特性:
//   - 固定分区数，Key 经 FNV 哈希映射到分区（同一 Key 永远同一分区）
//   - 每个 (消费组, 分区) 一个 goroutine，分区内严格串行投递
//   - 手动 Ack；Nak 或处理未确认时退避后重投递
//   - 保留每个 topic 的完整发布日志，便于测试断言
//
// 使用场景:
//   - 单进程部署
//   - 开发环境
//   - 测试场景
type Transport struct {
	partitions   int
	queueSize    int
	redeliveryAt time.Duration

	mu      sync.RWMutex
	running bool
	topics  map[string]*topicState
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published   atomic.Int64
	delivered   atomic.Int64
	redelivered atomic.Int64
}

type topicState struct {
	log    []messaging.Record // 发布日志（仅用于观测）
	groups map[string]*groupState
}

type groupState struct {
	handler messaging.DeliveryHandler
	queues  []chan messaging.Record
}

// NewTransport 创建内存传输实例
//
// 参数:
//   - partitions: 分区数（<=0 时使用默认 4）
func NewTransport(partitions int) *Transport {
	if partitions <= 0 {
		partitions = 4
	}
	return &Transport{
		partitions:   partitions,
		queueSize:    1024,
		redeliveryAt: 10 * time.Millisecond,
		topics:       make(map[string]*topicState),
	}
}

// Publish 发布消息到对应分区
func (t *Transport) Publish(ctx context.Context, topic string, rec messaging.Record) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	ts := t.ensureTopicLocked(topic)
	ts.log = append(ts.log, rec)
	p := t.partitionFor(rec.Key)
	queues := make([]chan messaging.Record, 0, len(ts.groups))
	for _, g := range ts.groups {
		queues = append(queues, g.queues[p])
	}
	t.mu.Unlock()

	for _, q := range queues {
		select {
		case q <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.published.Add(1)
	return nil
}

// Subscribe 按 topic 和消费组订阅
//
// 每个消费组独立消费完整的 topic；必须在 Publish 之前完成订阅，
// 内存实现不保留历史消息给新加入的组。
func (t *Transport) Subscribe(topic, group string, handler messaging.DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.ensureTopicLocked(topic)
	if _, exists := ts.groups[group]; exists {
		return fmt.Errorf("group %s already subscribed to topic %s", group, topic)
	}
	g := &groupState{
		handler: handler,
		queues:  make([]chan messaging.Record, t.partitions),
	}
	for i := range g.queues {
		g.queues[i] = make(chan messaging.Record, t.queueSize)
	}
	ts.groups[group] = g

	if t.running {
		t.startGroupLocked(topic, g)
	}
	return nil
}

// Start 启动所有分区消费 goroutine
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.running = true
	for topic, ts := range t.topics {
		for _, g := range ts.groups {
			t.startGroupLocked(topic, g)
		}
	}
	return nil
}

// Close 停止所有消费 goroutine
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Stats 获取统计信息
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := make([]string, 0)
	for topic, ts := range t.topics {
		for group := range ts.groups {
			subs = append(subs, topic+"/"+group)
		}
	}
	return messaging.TransportStats{
		Running:        t.running,
		SubscriberInfo: subs,
		Published:      t.published.Load(),
		Delivered:      t.delivered.Load(),
		Redelivered:    t.redelivered.Load(),
	}
}

// Log 返回 topic 的发布日志副本（测试用）
func (t *Transport) Log(topic string) []messaging.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.topics[topic]
	if !ok {
		return nil
	}
	out := make([]messaging.Record, len(ts.log))
	copy(out, ts.log)
	return out
}

func (t *Transport) ensureTopicLocked(topic string) *topicState {
	ts, ok := t.topics[topic]
	if !ok {
		ts = &topicState{groups: make(map[string]*groupState)}
		t.topics[topic] = ts
	}
	return ts
}

func (t *Transport) partitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(t.partitions))
}

func (t *Transport) startGroupLocked(topic string, g *groupState) {
	for p := range g.queues {
		t.wg.Add(1)
		go t.partitionLoop(topic, p, g.queues[p], g.handler)
	}
}

// partitionLoop 单分区消费循环：严格串行，未 Ack 即重投递
func (t *Transport) partitionLoop(topic string, partition int, q chan messaging.Record, handler messaging.DeliveryHandler) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case rec := <-q:
			for {
				d := &delivery{rec: rec, topic: topic, partition: partition}
				err := handler(t.ctx, d)
				t.delivered.Add(1)
				if d.acked() || (!d.naked() && err == nil) {
					break
				}
				t.redelivered.Add(1)
				select {
				case <-t.ctx.Done():
					return
				case <-time.After(t.redeliveryAt):
				}
			}
		}
	}
}

// delivery 一次内存投递
type delivery struct {
	rec       messaging.Record
	topic     string
	partition int

	mu    sync.Mutex
	state int // 0 未确认 1 acked 2 naked
}

func (d *delivery) Record() messaging.Record { return d.rec }
func (d *delivery) Topic() string            { return d.topic }
func (d *delivery) Partition() int           { return d.partition }

func (d *delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == 2 {
		return fmt.Errorf("delivery already naked")
	}
	d.state = 1
	return nil
}

func (d *delivery) Nak() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == 1 {
		return fmt.Errorf("delivery already acked")
	}
	d.state = 2
	return nil
}

func (d *delivery) acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == 1
}

func (d *delivery) naked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == 2
}
