package participant

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/eventing"
	"sagaflow/eventing/dlq"
	"sagaflow/eventing/inbox"
	"sagaflow/eventing/outbox"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/storage/database"
)

// HandlerFunc 命令处理函数
//
// 在本地事务 tx 中执行领域写入。返回的 Reply 与领域写入同事务
// 生效；返回 error 表示基础设施性失败，整体回滚后等待重投。
type HandlerFunc func(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (Reply, error)

// Endpoint 参与方服务端点
//
// 把一组命令处理函数挂到传输层订阅上，消费路径完整经过
// Inbox 幂等过滤，应答经由 Outbox 发出。
type Endpoint struct {
	service     string
	db          database.IDatabase
	inboxStore  inbox.IStore
	outboxStore outbox.IStore
	dlqStore    dlq.IStore
	trans       messaging.Transport
	inboxCfg    inbox.Config
	metrics     *monitoring.Metrics
	logger      logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// EndpointOption Endpoint 可选项
type EndpointOption func(*Endpoint)

// WithMetrics 挂接指标
func WithMetrics(m *monitoring.Metrics) EndpointOption {
	return func(e *Endpoint) { e.metrics = m }
}

// WithLogger 自定义日志
func WithLogger(logger logging.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = logger }
}

// WithInboxConfig 自定义 Inbox 配置
func WithInboxConfig(cfg inbox.Config) EndpointOption {
	return func(e *Endpoint) { e.inboxCfg = cfg }
}

// NewEndpoint 创建端点
func NewEndpoint(
	service string,
	trans messaging.Transport,
	db database.IDatabase,
	inboxStore inbox.IStore,
	outboxStore outbox.IStore,
	dlqStore dlq.IStore,
	opts ...EndpointOption,
) *Endpoint {
	e := &Endpoint{
		service:     service,
		db:          db,
		inboxStore:  inboxStore,
		outboxStore: outboxStore,
		dlqStore:    dlqStore,
		trans:       trans,
		inboxCfg:    inbox.DefaultConfig(),
		handlers:    make(map[string]HandlerFunc),
		logger:      logging.ComponentLogger("participant." + service),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle 注册命令处理函数
func (e *Endpoint) Handle(commandType string, handler HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[commandType] = handler
}

// Subscribe 订阅命令 topic
//
// group 是消费组名：同组多实例分摊分区，同 Key 的命令串行到达。
func (e *Endpoint) Subscribe(topic, group string) error {
	filter := inbox.NewFilter(e.db, e.inboxStore, e.dlqStore, e.inboxCfg, e.dispatch,
		inbox.WithMetrics(e.metrics), inbox.WithLogger(e.logger))
	return e.trans.Subscribe(topic, group, filter.DeliveryHandler())
}

// Filter 返回挂了本端点分发逻辑的 Inbox 过滤器（恢复扫描用）
func (e *Endpoint) Filter() *inbox.Filter {
	return inbox.NewFilter(e.db, e.inboxStore, e.dlqStore, e.inboxCfg, e.dispatch,
		inbox.WithMetrics(e.metrics), inbox.WithLogger(e.logger))
}

// dispatch 在 Inbox 事务中执行命令并写入应答
func (e *Endpoint) dispatch(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) error {
	e.mu.RLock()
	handler, ok := e.handlers[cmd.EventType]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for command %q", cmd.EventType)
	}

	reply, err := handler(ctx, tx, cmd)
	if err != nil {
		return err
	}

	replyEnv, err := ReplyEnvelope(cmd, reply)
	if err != nil {
		return fmt.Errorf("build reply envelope: %w", err)
	}
	if err := e.outboxStore.Append(ctx, tx, replyEnv); err != nil {
		return fmt.Errorf("append reply to outbox: %w", err)
	}

	if !reply.Ok {
		e.logger.Info(ctx, "command rejected",
			logging.String("command", cmd.EventType),
			logging.String("correlation_id", cmd.CorrelationID),
			logging.String("reason", reply.Reason))
	}
	return nil
}
