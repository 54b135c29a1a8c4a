package participant

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/eventing"
	"sagaflow/eventing/outbox"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/storage/database"
)

// Caller 参与方命令客户端
//
// 编排器侧的请求/应答原语：命令经由 Outbox 发出，应答从传输层
// 订阅中按确定性应答 ID 匹配回来。命令的发出是可靠的（Outbox），
// 等待本身是进程内的：进程崩溃后由恢复扫描重新执行步骤，步骤
// 命令 ID 确定性不变，下游去重后会重新发出同一应答。
//
// 应答消费不经过 Inbox：重复应答找不到等待者时直接 Ack 丢弃，
// 等待者匹配是天然幂等的。
type Caller struct {
	db          database.IDatabase
	outboxStore outbox.IStore
	trans       messaging.Transport
	logger      logging.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

// CallerOption Caller 可选项
type CallerOption func(*Caller)

// WithCallerLogger 自定义日志
func WithCallerLogger(logger logging.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger }
}

// NewCaller 创建命令客户端
func NewCaller(trans messaging.Transport, db database.IDatabase, outboxStore outbox.IStore, opts ...CallerOption) *Caller {
	c := &Caller{
		db:          db,
		outboxStore: outboxStore,
		trans:       trans,
		pending:     make(map[string]chan Reply),
		logger:      logging.ComponentLogger("participant.caller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubscribeReplies 订阅应答 topic
func (c *Caller) SubscribeReplies(topic, group string) error {
	return c.trans.Subscribe(topic, group, c.onReply)
}

// Call 发出命令并等待应答
//
// cmd.EventID 应当由调用方确定性派生（如 Execution.StepEventID）：
// 重复 Call 在发送侧被 Outbox 幂等吸收，在接收侧被 Inbox 去重。
func (c *Caller) Call(ctx context.Context, cmd eventing.Envelope) (Reply, error) {
	replyID := ReplyEventID(cmd.CorrelationID, cmd.EventID)
	ch := c.register(replyID)
	defer c.unregister(replyID)

	if err := c.outboxStore.Append(ctx, nil, cmd); err != nil {
		return Reply{}, fmt.Errorf("append command to outbox: %w", err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("await reply for %s: %w", cmd.EventType, ctx.Err())
	}
}

func (c *Caller) register(replyID string) chan Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Reply, 1)
	c.pending[replyID] = ch
	return ch
}

func (c *Caller) unregister(replyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, replyID)
}

// onReply 传输层应答处理
func (c *Caller) onReply(ctx context.Context, d messaging.Delivery) error {
	env, err := eventing.Decode(d.Record())
	if err != nil {
		// 应答流中的非法消息：丢弃（命令侧有自己的 DLQ 路径）
		c.logger.Warn(ctx, "malformed reply dropped", logging.Error(err))
		return d.Ack()
	}

	reply, err := ParseReply(env)
	if err != nil {
		c.logger.Warn(ctx, "undecodable reply dropped",
			logging.String("event_id", env.EventID), logging.Error(err))
		return d.Ack()
	}

	c.mu.Lock()
	ch, ok := c.pending[env.EventID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- reply:
		default:
		}
	} else {
		// 没有等待者：重复应答或等待方已被恢复扫描接管
		c.logger.Debug(ctx, "reply without waiter dropped",
			logging.String("event_id", env.EventID),
			logging.String("event_type", env.EventType))
	}
	return d.Ack()
}
