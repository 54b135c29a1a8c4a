package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sagaflow/eventing"
	"sagaflow/eventing/dlq"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/storage/database"
)

// Handler 消费侧处理器
//
// 在本地事务中执行：领域写入、回复事件入 Outbox 都应挂在 tx 上，
// 与 processed_at 标记一起原子提交。
type Handler func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error

// Filter 幂等接收过滤器
//
// 接收流程：落库去重 → 开事务执行处理器 → 同事务标记已处理 → 提交。
// 处理器失败则整体回滚并累计尝试次数；尝试耗尽的消息移入 DLQ
// 并强制标记已处理，停止继续投递。
type Filter struct {
	db       database.IDatabase
	store    IStore
	dlqStore dlq.IStore
	cfg      Config
	handler  Handler
	metrics  *monitoring.Metrics
	logger   logging.Logger
}

// FilterOption Filter 可选项
type FilterOption func(*Filter)

// WithMetrics 挂接指标
func WithMetrics(m *monitoring.Metrics) FilterOption {
	return func(f *Filter) { f.metrics = m }
}

// WithLogger 自定义日志
func WithLogger(logger logging.Logger) FilterOption {
	return func(f *Filter) { f.logger = logger }
}

// NewFilter 创建过滤器
//
// dlqStore 可为 nil（禁用 DLQ 时尝试耗尽的消息保留在 Inbox 中）。
func NewFilter(db database.IDatabase, store IStore, dlqStore dlq.IStore, cfg Config, handler Handler, opts ...FilterOption) *Filter {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	f := &Filter{
		db:       db,
		store:    store,
		dlqStore: dlqStore,
		cfg:      cfg,
		handler:  handler,
		logger:   logging.ComponentLogger("inbox.filter"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Accept 接收一个信封
//
// 返回 nil 表示消息可以 Ack（已处理、重复或已隔离）；
// 返回错误表示本次处理失败但可重试，调用方应 Nak 等待重投。
func (f *Filter) Accept(ctx context.Context, env eventing.Envelope) error {
	err := f.store.Insert(ctx, Entry{
		EventID:       env.EventID,
		EventType:     env.EventType,
		CorrelationID: env.CorrelationID,
		AggregateKey:  env.AggregateKey,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
		ReceivedAt:    time.Now(),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			if f.metrics != nil {
				f.metrics.InboxDuplicates.Inc()
			}
			f.logger.Debug(ctx, "duplicate event dropped",
				logging.String("event_id", env.EventID),
				logging.String("event_type", env.EventType))
			return nil
		}
		return err
	}
	return f.process(ctx, env)
}

// Retry 重试一条已落库但未处理的记录（恢复扫描用）
func (f *Filter) Retry(ctx context.Context, entry Entry) error {
	return f.process(ctx, eventing.Envelope{
		EventID:       entry.EventID,
		EventType:     entry.EventType,
		CorrelationID: entry.CorrelationID,
		AggregateKey:  entry.AggregateKey,
		OccurredAt:    entry.ReceivedAt,
		SchemaVersion: entry.SchemaVersion,
		Payload:       entry.Payload,
	})
}

func (f *Filter) process(ctx context.Context, env eventing.Envelope) error {
	err := f.runInTx(ctx, env)
	if err == nil {
		if f.metrics != nil {
			f.metrics.InboxProcessed.Inc()
		}
		return nil
	}

	if f.metrics != nil {
		f.metrics.InboxFailed.Inc()
	}
	attempts, recErr := f.store.RecordFailure(ctx, env.EventID, err.Error())
	if recErr != nil {
		f.logger.Error(ctx, "record inbox failure failed",
			logging.String("event_id", env.EventID), logging.Error(recErr))
		return err
	}
	f.logger.Warn(ctx, "inbox handler failed",
		logging.String("event_id", env.EventID),
		logging.String("event_type", env.EventType),
		logging.Int("attempts", attempts),
		logging.Error(err))

	if attempts >= f.cfg.MaxAttempts {
		return f.quarantine(ctx, env, attempts, err)
	}
	return err
}

func (f *Filter) runInTx(ctx context.Context, env eventing.Envelope) error {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin inbox tx: %w", err)
	}
	if err := f.handler(ctx, tx, env); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := f.store.MarkProcessed(ctx, tx, env.EventID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit inbox tx: %w", err)
	}
	return nil
}

// quarantine 尝试耗尽：移入 DLQ 并强制标记已处理，停止继续投递
func (f *Filter) quarantine(ctx context.Context, env eventing.Envelope, attempts int, cause error) error {
	if f.dlqStore == nil {
		// DLQ 禁用：保持未处理状态等待运维，继续 Nak
		return cause
	}
	if err := f.dlqStore.Enqueue(ctx, env, dlq.ReasonMaxAttemptsExceeded, cause.Error(), attempts); err != nil {
		f.logger.Error(ctx, "move inbox entry to dlq failed",
			logging.String("event_id", env.EventID), logging.Error(err))
		return cause
	}
	if err := f.store.MarkProcessed(ctx, nil, env.EventID); err != nil {
		f.logger.Error(ctx, "mark quarantined entry processed failed",
			logging.String("event_id", env.EventID), logging.Error(err))
	}
	if f.metrics != nil {
		f.metrics.DLQMoved.Inc()
	}
	f.logger.Warn(ctx, "inbox entry moved to dlq",
		logging.String("event_id", env.EventID),
		logging.String("event_type", env.EventType),
		logging.Int("attempts", attempts))
	return nil
}

// DeliveryHandler 返回可挂到传输层订阅上的投递处理器
//
// 解码失败（malformed）的消息直接隔离并 Ack；可重试失败 Nak 等待重投。
func (f *Filter) DeliveryHandler() messaging.DeliveryHandler {
	return func(ctx context.Context, d messaging.Delivery) error {
		rec := d.Record()
		env, err := eventing.Decode(rec)
		if err != nil {
			var malformed *eventing.MalformedError
			if errors.As(err, &malformed) {
				f.discardMalformed(ctx, rec, err)
				return d.Ack()
			}
			return d.Nak()
		}
		if err := f.Accept(ctx, env); err != nil {
			return d.Nak()
		}
		return d.Ack()
	}
}

// discardMalformed 把无法解码的消息按现有头尽力重建后隔离
func (f *Filter) discardMalformed(ctx context.Context, rec messaging.Record, cause error) {
	f.logger.Warn(ctx, "malformed record received", logging.Error(cause))
	if f.dlqStore == nil {
		return
	}
	env := eventing.Envelope{
		EventID:       rec.Header(eventing.HeaderEventID),
		EventType:     rec.Header(eventing.HeaderEventType),
		CorrelationID: rec.Header(eventing.HeaderCorrelationID),
		AggregateKey:  string(rec.Key),
		OccurredAt:    time.Now(),
		Payload:       rec.Value,
	}
	if err := f.dlqStore.Enqueue(ctx, env, dlq.ReasonMalformed, cause.Error(), 0); err != nil {
		f.logger.Error(ctx, "move malformed record to dlq failed", logging.Error(err))
		return
	}
	if f.metrics != nil {
		f.metrics.DLQMoved.Inc()
	}
}
