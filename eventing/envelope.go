// Package eventing 定义事件信封与线格式编解码
//
// 信封（Envelope）是跨服务事件的标准表示：全局唯一的 event-id、
// 贯穿整个工作流的 correlation-id、可选的 causation-id、路由用的
// 聚合 Key，以及不透明的 JSON 负载。重发同一逻辑事件必须复用同一
// event-id，下游 Inbox 依赖它去重。
package eventing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope 事件信封
//
// 创建后不可变；Headers 保留解码时遇到的未知头，重新编码时原样带回。
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	AggregateKey  string            `json:"aggregate_key"`
	OccurredAt    time.Time         `json:"occurred_at"`
	SchemaVersion int               `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// NewEnvelope 创建信封
//
// 参数：
//   - eventType: 事件类型
//   - correlationID: 工作流标识
//   - aggregateKey: 聚合 Key（路由键）
//   - payload: 已序列化的负载
func NewEnvelope(eventType, correlationID, aggregateKey string, payload []byte) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		CorrelationID: correlationID,
		AggregateKey:  aggregateKey,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: 1,
		Payload:       payload,
	}
}

// NewEnvelopeWithID 创建指定 event-id 的信封
//
// 用于确定性 event-id 场景：Saga 步骤命令的 event-id 由
// (correlation-id, step-name) 推导，崩溃恢复后重发不会产生新 id。
func NewEnvelopeWithID(eventID, eventType, correlationID, aggregateKey string, payload []byte) Envelope {
	e := NewEnvelope(eventType, correlationID, aggregateKey, payload)
	e.EventID = eventID
	return e
}

// Followup 基于父信封派生后续事件
//
// 继承 correlation-id，causation-id 指向父事件。
func (e Envelope) Followup(eventType, aggregateKey string, payload []byte) Envelope {
	next := NewEnvelope(eventType, e.CorrelationID, aggregateKey, payload)
	next.CausationID = e.EventID
	return next
}

// WithSchemaVersion 返回指定模式版本的副本
func (e Envelope) WithSchemaVersion(v int) Envelope {
	e.SchemaVersion = v
	return e
}

// Validate 校验必填字段
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return &MalformedError{Reason: "event id is empty"}
	}
	if e.EventType == "" {
		return &MalformedError{Reason: "event type is empty"}
	}
	if e.CorrelationID == "" {
		return &MalformedError{Reason: "correlation id is empty"}
	}
	if e.SchemaVersion <= 0 {
		return &MalformedError{Reason: "schema version must be greater than 0"}
	}
	return nil
}

// DeriveEventID 由 (correlation-id, name) 推导确定性 event-id
//
// 使用 UUIDv5（SHA-1 命名空间）。同一 Saga 实例的同一步骤重发
// 得到相同的 event-id，参与方 Inbox 据此去重。
func DeriveEventID(correlationID, name string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte("sagaflow"))
	return uuid.NewSHA1(ns, []byte(correlationID+"/"+name)).String()
}
