// Package outbox 实现 Transactional Outbox，确保事件发布的可靠性
//
// Outbox 解决的问题：
// 1. 领域写入和事件发布的原子性：事件与领域状态在同一本地事务中落库
// 2. 发布失败时的重试机制（Relay 轮询 + 重试计数）
// 3. 分布式系统中的最终一致性保证
//
// 事件仅当事务提交后才对 Relay 可见；Relay 崩溃后租约过期，
// 条目重新进入认领集合（可能重复发布，由下游 Inbox 去重）。
package outbox

import (
	"context"
	"time"

	"sagaflow/eventing"
	"sagaflow/storage/database"
)

// Entry 一条待发布的出站事件记录
type Entry struct {
	ID             int64      `json:"id"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	AggregateKey   string     `json:"aggregate_key"`
	CorrelationID  string     `json:"correlation_id"`
	CausationID    string     `json:"causation_id,omitempty"`
	SchemaVersion  int        `json:"schema_version"`
	Payload        []byte     `json:"payload"`
	OccurredAt     time.Time  `json:"occurred_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// ToEnvelope 还原信封
func (e *Entry) ToEnvelope() eventing.Envelope {
	return eventing.Envelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		AggregateKey:  e.AggregateKey,
		OccurredAt:    e.OccurredAt,
		SchemaVersion: e.SchemaVersion,
		Payload:       e.Payload,
	}
}

// IStore Outbox 存储接口
type IStore interface {
	// Append 在调用方事务中插入出站事件
	//
	// 事件仅当事务提交后才可见：这是发送侧的原子性边界。
	// exec 可以是事务，也可以是裸连接（如 DLQ 重放）。
	Append(ctx context.Context, exec database.IExecutor, env eventing.Envelope) error

	// Claim 认领一批未处理条目
	//
	// 返回最多 batch 条未处理、未被租约持有（或租约已过期）的条目，
	// 按 occurred_at 升序，并盖上本次调用的短期租约。
	// 两个 Relay 不会同时认领到同一条目。
	Claim(ctx context.Context, batch int, lease time.Duration) ([]Entry, error)

	// MarkProcessed 标记已发布
	MarkProcessed(ctx context.Context, id int64) error

	// RecordFailure 记录发布失败（retry_count+1）并释放租约
	RecordFailure(ctx context.Context, id int64, errMsg string) error

	// ReleaseLease 释放租约（同 Key 前序条目失败时跳过的条目）
	ReleaseLease(ctx context.Context, id int64) error

	// Delete 删除条目（移入 DLQ 后调用）
	Delete(ctx context.Context, id int64) error

	// DeleteProcessed 删除早于 olderThan 的已处理条目（保留期清理）
	DeleteProcessed(ctx context.Context, olderThan time.Time) (int64, error)

	// CountPending 未处理条目数
	CountPending(ctx context.Context) (int64, error)
}

// Config Relay 配置
type Config struct {
	// PollInterval 轮询间隔
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// BatchSize 每次认领的最大条目数
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxRetries 最大重试次数，达到后移入 DLQ
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// LeaseDuration 认领租约时长；Relay 崩溃后条目在租约过期后可被重新认领
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

	// RetentionPeriod 已处理条目的保留时长
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		LeaseDuration:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// TopicResolver 根据信封决定发布 topic
//
// 默认按事件类型的首段路由：`inventory.reserve` → `inventory`。
type TopicResolver func(env eventing.Envelope) string

// DefaultTopicResolver 事件类型首段作为 topic
func DefaultTopicResolver(env eventing.Envelope) string {
	for i := 0; i < len(env.EventType); i++ {
		if env.EventType[i] == '.' {
			return env.EventType[:i]
		}
	}
	return env.EventType
}
