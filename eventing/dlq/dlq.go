// Package dlq 实现死信队列，隔离无法处理的消息
//
// 三类消息会进入 DLQ：
//  1. 信封格式错误（malformed）——不可重试，立即隔离
//  2. Outbox 重试耗尽（max_retries_exceeded）
//  3. Inbox 处理次数耗尽（max_attempts_exceeded）
//
// DLQ 记录是只写审计：除 reprocessed 相关字段和运维备注外不可变。
// 运维人员排查修复后可显式触发重放，重放走正常的 Outbox 通道。
package dlq

import (
	"context"
	"time"

	"sagaflow/eventing"
)

// 隔离原因
const (
	ReasonMalformed           = "malformed"
	ReasonMaxRetriesExceeded  = "max_retries_exceeded"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
)

// Entry 死信记录
type Entry struct {
	ID                int64      `json:"id"`
	EventType         string     `json:"event_type"`
	Payload           []byte     `json:"payload"`
	OriginalTimestamp time.Time  `json:"original_timestamp"`
	MovedAt           time.Time  `json:"moved_at"`
	FailureReason     string     `json:"failure_reason"`
	ErrorDetails      string     `json:"error_details,omitempty"`
	TotalAttempts     int        `json:"total_attempts"`
	ServiceName       string     `json:"service_name"`
	CorrelationID     string     `json:"correlation_id,omitempty"`
	OriginalEventID   string     `json:"original_event_id,omitempty"`
	AggregateKey      string     `json:"aggregate_key,omitempty"`
	Reprocessed       bool       `json:"reprocessed"`
	ReprocessedAt     *time.Time `json:"reprocessed_at,omitempty"`
	OperatorNotes     string     `json:"operator_notes,omitempty"`
}

// ToEnvelope 由死信记录重建信封
//
// 复用原始 event-id：重放后下游 Inbox 仍按原 id 去重。
func (e *Entry) ToEnvelope() eventing.Envelope {
	env := eventing.NewEnvelopeWithID(e.OriginalEventID, e.EventType, e.CorrelationID, e.AggregateKey, e.Payload)
	env.OccurredAt = e.OriginalTimestamp
	return env
}

// Filter 查询过滤条件
type Filter struct {
	// ServiceName 按服务过滤（空串不过滤）
	ServiceName string

	// Reprocessed 按重放状态过滤（nil 不过滤）
	Reprocessed *bool

	// Limit 最大返回数量（<=0 时默认 100）
	Limit int
}

// IStore DLQ 存储接口
type IStore interface {
	// Enqueue 写入死信记录
	Enqueue(ctx context.Context, env eventing.Envelope, reason, errorDetails string, attempts int) error

	// List 按条件查询（按 moved_at 倒序）
	List(ctx context.Context, filter Filter) ([]Entry, error)

	// Get 获取单条记录
	Get(ctx context.Context, id int64) (*Entry, error)

	// MarkReprocessed 标记已重放
	MarkReprocessed(ctx context.Context, id int64, notes string) error

	// Count 未重放记录数
	Count(ctx context.Context) (int64, error)
}
