package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"sagaflow/eventing"
	"sagaflow/eventing/dlq"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
)

// Relay 轮询 Outbox 并把条目发布到传输层
//
// 顺序保证：同一聚合 Key 的条目按 occurred_at 升序逐条发布；
// 批内某 Key 的条目发布失败后，该 Key 的后续条目本轮跳过，
// 防止乱序到达下游。
//
// 传输层发布包在熔断器里：broker 持续不可用时快速失败，
// 避免每轮都对每个条目做完整超时等待。
type Relay struct {
	store    IStore
	trans    messaging.Transport
	dlqStore dlq.IStore
	cfg      Config
	topicFor TopicResolver
	metrics  *monitoring.Metrics
	logger   logging.Logger
	breaker  *gobreaker.CircuitBreaker

	// passMu 串行化 ProcessOnce：轮询循环与恢复扫描可能同时驱动
	// 同一个 Relay，并发批次会打破同 Key 条目的发布顺序
	passMu sync.Mutex

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// RelayOption Relay 可选项
type RelayOption func(*Relay)

// WithTopicResolver 自定义 topic 路由
func WithTopicResolver(resolver TopicResolver) RelayOption {
	return func(r *Relay) { r.topicFor = resolver }
}

// WithMetrics 挂接指标
func WithMetrics(m *monitoring.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger 自定义日志
func WithLogger(logger logging.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

// NewRelay 创建 Relay
//
// dlqStore 可为 nil（禁用 DLQ 时重试耗尽的条目保留在 Outbox 中）。
func NewRelay(store IStore, trans messaging.Transport, dlqStore dlq.IStore, cfg Config, opts ...RelayOption) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	r := &Relay{
		store:    store,
		trans:    trans,
		dlqStore: dlqStore,
		cfg:      cfg,
		topicFor: DefaultTopicResolver,
		logger:   logging.ComponentLogger("outbox.relay"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-transport",
		MaxRequests: 1,
		Timeout:     cfg.PollInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return r
}

// Start 启动轮询循环
func (r *Relay) Start(ctx context.Context) error {
	go r.loop(ctx)
	return nil
}

// Stop 停止轮询循环并等待当前批次结束
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
	return nil
}

func (r *Relay) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	cleanup := time.NewTicker(r.cfg.RetentionPeriod / 24)
	defer func() {
		ticker.Stop()
		cleanup.Stop()
		close(r.doneCh)
	}()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ProcessOnce(ctx); err != nil {
				r.logger.Error(ctx, "outbox relay pass failed", logging.Error(err))
			}
		case <-cleanup.C:
			deleted, err := r.store.DeleteProcessed(ctx, time.Now().Add(-r.cfg.RetentionPeriod))
			if err != nil {
				r.logger.Error(ctx, "outbox retention sweep failed", logging.Error(err))
			} else if deleted > 0 {
				r.logger.Info(ctx, "outbox retention sweep", logging.Int64("deleted", deleted))
			}
		}
	}
}

// ProcessOnce 处理一批条目
//
// 认领 → 逐条发布（同 Key 严格顺序）→ 成功标记已处理，
// 失败记录重试；重试耗尽或信封非法的条目移入 DLQ。
// 并发调用被串行化：租约只挡住其他进程，挡不住同进程内
// 轮询循环与恢复扫描各自认领相邻批次造成的交错发布。
func (r *Relay) ProcessOnce(ctx context.Context) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	entries, err := r.store.Claim(ctx, r.cfg.BatchSize, r.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var firstErr error
	failedKeys := make(map[string]bool)

	for i := range entries {
		entry := &entries[i]

		select {
		case <-r.stopCh:
			return firstErr
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 同 Key 前序失败：跳过以保持分区内顺序
		if failedKeys[entry.AggregateKey] {
			if err := r.store.ReleaseLease(ctx, entry.ID); err != nil {
				r.logger.Error(ctx, "release skipped entry lease failed",
					logging.Int64("entry", entry.ID), logging.Error(err))
			}
			continue
		}

		// 重试耗尽：不再尝试发布，直接隔离
		if entry.RetryCount >= r.cfg.MaxRetries {
			r.moveToDLQ(ctx, entry, dlq.ReasonMaxRetriesExceeded, entry.LastError)
			continue
		}

		env := entry.ToEnvelope()
		rec, err := eventing.Encode(env)
		if err != nil {
			// 信封非法不可重试，立即隔离
			r.logger.Warn(ctx, "outbox entry malformed",
				logging.Int64("entry", entry.ID), logging.Error(err))
			r.moveToDLQ(ctx, entry, dlq.ReasonMalformed, err.Error())
			continue
		}

		topic := r.topicFor(env)
		_, err = r.breaker.Execute(func() (any, error) {
			return nil, r.trans.Publish(ctx, topic, rec)
		})
		if err != nil {
			failedKeys[entry.AggregateKey] = true
			if r.metrics != nil {
				r.metrics.OutboxFailed.Inc()
			}
			r.logger.Warn(ctx, "outbox publish failed",
				logging.Int64("entry", entry.ID),
				logging.String("event_id", entry.EventID),
				logging.String("topic", topic),
				logging.Int("retry_count", entry.RetryCount),
				logging.Error(err))
			if markErr := r.store.RecordFailure(ctx, entry.ID, err.Error()); markErr != nil {
				r.logger.Error(ctx, "record outbox failure failed",
					logging.Int64("entry", entry.ID), logging.Error(markErr))
				if firstErr == nil {
					firstErr = markErr
				}
			}
			continue
		}

		if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
			// 事件已在 broker 落盘；标记失败只会导致重复发布，
			// 下游按 event-id 去重，因此仅记录日志
			r.logger.Error(ctx, "mark outbox entry processed failed",
				logging.Int64("entry", entry.ID), logging.Error(err))
		}
		if r.metrics != nil {
			r.metrics.OutboxPublished.Inc()
		}
	}

	if r.metrics != nil {
		if pending, err := r.store.CountPending(ctx); err == nil {
			r.metrics.OutboxPending.Set(float64(pending))
		}
	}
	return firstErr
}

// Republish 实现 dlq.Republisher：重放的信封走正常 Outbox 通道
func (r *Relay) Republish(ctx context.Context, env eventing.Envelope) error {
	return r.store.Append(ctx, nil, env)
}

func (r *Relay) moveToDLQ(ctx context.Context, entry *Entry, reason, details string) {
	if r.dlqStore == nil {
		// DLQ 禁用：释放租约，条目保留在 Outbox 中等待运维
		if err := r.store.ReleaseLease(ctx, entry.ID); err != nil {
			r.logger.Error(ctx, "release lease failed", logging.Int64("entry", entry.ID), logging.Error(err))
		}
		return
	}
	env := entry.ToEnvelope()
	if err := r.dlqStore.Enqueue(ctx, env, reason, details, entry.RetryCount); err != nil {
		r.logger.Error(ctx, "move outbox entry to dlq failed",
			logging.Int64("entry", entry.ID), logging.Error(err))
		return
	}
	if err := r.store.Delete(ctx, entry.ID); err != nil {
		r.logger.Error(ctx, "delete outbox entry after dlq move failed",
			logging.Int64("entry", entry.ID), logging.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.DLQMoved.Inc()
	}
	r.logger.Warn(ctx, "outbox entry moved to dlq",
		logging.Int64("entry", entry.ID),
		logging.String("event_id", entry.EventID),
		logging.String("reason", reason))
}
