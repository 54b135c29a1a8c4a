// Package recovery 实现崩溃恢复扫描
//
// 周期性地做四件事：
//  1. 驱动 Outbox 把未发布的条目推向传输层
//  2. 重试 Inbox 中已落库但未处理的事件
//  3. 续跑停滞的 Saga 实例（InProgress 从当前步骤、Compensating 从剩余补偿）
//  4. 压缩过期的终态记录
//
// 所有操作都是幂等的：重复扫描不会产生重复效应（Outbox 租约、
// Inbox 去重、Saga 乐观版本各自兜底）。
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"sagaflow/eventing/inbox"
	"sagaflow/logging"
	"sagaflow/monitoring"
	"sagaflow/saga"
)

// OutboxPump 可被恢复扫描驱动的 Outbox 发布器
type OutboxPump interface {
	ProcessOnce(ctx context.Context) error
}

// Config 恢复扫描配置
type Config struct {
	// ScanInterval 扫描间隔
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval"`

	// StuckThreshold 多久未更新的 Saga 视为停滞
	StuckThreshold time.Duration `json:"stuck_threshold" yaml:"stuck_threshold"`

	// BatchSize 每轮处理的最大实例数
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// RetentionPeriod 终态记录的保留时长
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ScanInterval:    60 * time.Second,
		StuckThreshold:  2 * time.Minute,
		BatchSize:       50,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Worker 恢复扫描器
//
// 各能力独立可选：未挂接的部分在扫描中跳过。
type Worker struct {
	cfg Config

	pump OutboxPump

	inboxStore  inbox.IStore
	inboxFilter *inbox.Filter
	maxAttempts int

	sagaStore saga.IStateStore
	orch      *saga.Orchestrator
	defs      *Registry

	metrics *monitoring.Metrics
	logger  logging.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// WorkerOption Worker 可选项
type WorkerOption func(*Worker)

// WithOutboxPump 挂接 Outbox 驱动
func WithOutboxPump(pump OutboxPump) WorkerOption {
	return func(w *Worker) { w.pump = pump }
}

// WithInboxRetry 挂接 Inbox 重试
func WithInboxRetry(store inbox.IStore, filter *inbox.Filter, maxAttempts int) WorkerOption {
	return func(w *Worker) {
		w.inboxStore = store
		w.inboxFilter = filter
		w.maxAttempts = maxAttempts
	}
}

// WithSagaResume 挂接 Saga 续跑
func WithSagaResume(store saga.IStateStore, orch *saga.Orchestrator, defs *Registry) WorkerOption {
	return func(w *Worker) {
		w.sagaStore = store
		w.orch = orch
		w.defs = defs
	}
}

// WithMetrics 挂接指标
func WithMetrics(m *monitoring.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger 自定义日志
func WithLogger(logger logging.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker 创建恢复扫描器
func NewWorker(cfg Config, opts ...WorkerOption) *Worker {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	w := &Worker{
		cfg:         cfg,
		maxAttempts: inbox.DefaultConfig().MaxAttempts,
		logger:      logging.ComponentLogger("recovery.worker"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 启动扫描循环
func (w *Worker) Start(ctx context.Context) error {
	go w.loop(ctx)
	return nil
}

// Stop 停止扫描循环并等待当前轮结束
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ScanInterval)
	compact := time.NewTicker(w.cfg.RetentionPeriod / 24)
	defer func() {
		ticker.Stop()
		compact.Stop()
		close(w.doneCh)
	}()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce(ctx)
		case <-compact.C:
			w.compact(ctx)
		}
	}
}

// ScanOnce 执行一轮扫描
func (w *Worker) ScanOnce(ctx context.Context) {
	if w.pump != nil {
		if err := w.pump.ProcessOnce(ctx); err != nil {
			w.logger.Error(ctx, "recovery outbox pass failed", logging.Error(err))
		}
	}
	if w.inboxStore != nil && w.inboxFilter != nil {
		w.retryInbox(ctx)
	}
	if w.sagaStore != nil && w.orch != nil {
		w.resumeStuck(ctx)
	}
}

// retryInbox 重试已落库但未处理的入站事件
func (w *Worker) retryInbox(ctx context.Context) {
	entries, err := w.inboxStore.FindUnprocessed(ctx, w.maxAttempts, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error(ctx, "find unprocessed inbox entries failed", logging.Error(err))
		return
	}
	for _, entry := range entries {
		// 刚收到的消息可能正在投递路径上处理，留给正常路径
		if time.Since(entry.ReceivedAt) < w.cfg.StuckThreshold {
			continue
		}
		if err := w.inboxFilter.Retry(ctx, entry); err != nil {
			w.logger.Warn(ctx, "inbox retry failed",
				logging.String("event_id", entry.EventID),
				logging.Error(err))
		}
	}
}

// resumeStuck 续跑停滞的 Saga 实例
func (w *Worker) resumeStuck(ctx context.Context) {
	statuses := []saga.Status{saga.StatusNotStarted, saga.StatusInProgress, saga.StatusCompensating}
	olderThan := time.Now().Add(-w.cfg.StuckThreshold)
	states, err := w.sagaStore.FindStuck(ctx, statuses, olderThan, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error(ctx, "find stuck sagas failed", logging.Error(err))
		return
	}
	for _, state := range states {
		def, ok := w.defs.Get(state.Name)
		if !ok {
			w.logger.Warn(ctx, "no definition registered for stuck saga",
				logging.String("saga", state.Name),
				logging.String("correlation_id", state.CorrelationID))
			continue
		}
		w.logger.Info(ctx, "resuming stuck saga",
			logging.String("saga", state.Name),
			logging.String("correlation_id", state.CorrelationID),
			logging.String("status", string(state.Status)))

		_, err := w.orch.Resume(ctx, def, state.CorrelationID)
		if err != nil {
			// 业务性失败（步骤失败已补偿）也是正常终态，只告警真正的异常
			if errors.Is(err, saga.ErrStepFailed) || errors.Is(err, saga.ErrInvalidState) {
				w.logger.Info(ctx, "stuck saga resumed to terminal state",
					logging.String("correlation_id", state.CorrelationID),
					logging.Error(err))
			} else {
				w.logger.Error(ctx, "resume stuck saga failed",
					logging.String("correlation_id", state.CorrelationID),
					logging.Error(err))
				continue
			}
		}
		if w.metrics != nil {
			w.metrics.RecoveryResumed.Inc()
		}
	}
}

// compact 压缩过期的终态记录
func (w *Worker) compact(ctx context.Context) {
	olderThan := time.Now().Add(-w.cfg.RetentionPeriod)
	if w.sagaStore != nil {
		if deleted, err := w.sagaStore.DeleteTerminal(ctx, olderThan); err != nil {
			w.logger.Error(ctx, "saga compaction failed", logging.Error(err))
		} else if deleted > 0 {
			w.logger.Info(ctx, "saga states compacted", logging.Int64("deleted", deleted))
		}
	}
	if w.inboxStore != nil {
		if deleted, err := w.inboxStore.DeleteProcessed(ctx, olderThan); err != nil {
			w.logger.Error(ctx, "inbox compaction failed", logging.Error(err))
		} else if deleted > 0 {
			w.logger.Info(ctx, "inbox entries compacted", logging.Int64("deleted", deleted))
		}
	}
}
