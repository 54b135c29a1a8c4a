package dlq

import (
	"context"
	"fmt"

	"sagaflow/eventing"
	"sagaflow/logging"
)

// Republisher 重放出口
//
// 由 Outbox 实现：重放的信封进入正常的 Outbox 通道，
// 享有与普通出站事件相同的顺序与重试语义。
type Republisher interface {
	Republish(ctx context.Context, env eventing.Envelope) error
}

// Reprocessor 运维重放器
type Reprocessor struct {
	store       IStore
	republisher Republisher
	logger      logging.Logger
}

// NewReprocessor 创建重放器
func NewReprocessor(store IStore, republisher Republisher, logger logging.Logger) *Reprocessor {
	if logger == nil {
		logger = logging.ComponentLogger("dlq.reprocessor")
	}
	return &Reprocessor{store: store, republisher: republisher, logger: logger}
}

// Reprocess 重放单条死信记录
//
// 重建信封（复用原 event-id）→ 写入 Outbox → 标记已重放。
// 标记失败时不回滚重放：下游 Inbox 会对重复的 event-id 去重。
func (r *Reprocessor) Reprocess(ctx context.Context, id int64, notes string) error {
	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Reprocessed {
		return fmt.Errorf("dlq entry already reprocessed: %d", id)
	}

	env := entry.ToEnvelope()
	if err := r.republisher.Republish(ctx, env); err != nil {
		return fmt.Errorf("republish dlq entry %d: %w", id, err)
	}

	if err := r.store.MarkReprocessed(ctx, id, notes); err != nil {
		r.logger.Error(ctx, "mark dlq entry reprocessed failed",
			logging.Int64("entry", id), logging.Error(err))
		return err
	}

	r.logger.Info(ctx, "dlq entry reprocessed",
		logging.Int64("entry", id),
		logging.String("event_id", entry.OriginalEventID),
		logging.String("event_type", entry.EventType))
	return nil
}
