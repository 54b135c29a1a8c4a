// Package inbox 实现幂等接收过滤器（Idempotent Inbox）
//
// 传输层保证 At-least-once：同一逻辑事件可能被投递多次。
// Inbox 以 event-id 为唯一键在消费边界落库；插入冲突即视为已处理，
// 直接 Ack 丢弃。处理器在本地事务中执行，processed_at 与领域写入
// 同事务提交——每个逻辑事件的领域效应恰好发生一次。
package inbox

import (
	"context"
	"errors"
	"time"

	"sagaflow/storage/database"
)

// ErrDuplicate 事件已存在（event-id 唯一索引冲突）
var ErrDuplicate = errors.New("inbox: duplicate event")

// Entry 一条入站事件记录
type Entry struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	CorrelationID string     `json:"correlation_id"`
	AggregateKey  string     `json:"aggregate_key"`
	SchemaVersion int        `json:"schema_version"`
	Payload       []byte     `json:"payload"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
}

// IStore Inbox 存储接口
type IStore interface {
	// Insert 插入入站记录；event-id 冲突返回 ErrDuplicate
	Insert(ctx context.Context, entry Entry) error

	// MarkProcessed 标记已处理
	//
	// exec 通常是处理器的本地事务：processed_at 与领域写入原子提交。
	MarkProcessed(ctx context.Context, exec database.IExecutor, eventID string) error

	// RecordFailure 记录处理失败，返回累计尝试次数
	RecordFailure(ctx context.Context, eventID string, errMsg string) (int, error)

	// FindUnprocessed 查找未处理且尝试次数未耗尽的记录（恢复扫描用）
	FindUnprocessed(ctx context.Context, maxAttempts, limit int) ([]Entry, error)

	// DeleteProcessed 删除早于 olderThan 的已处理记录（压缩）
	DeleteProcessed(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config Inbox 配置
type Config struct {
	// MaxAttempts 处理器最大尝试次数，达到后移入 DLQ
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetentionPeriod 已处理记录的保留时长
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}
