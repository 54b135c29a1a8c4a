// Package messaging 提供消息传输层抽象
//
// 核心只依赖一个带分区日志语义的黑盒传输契约：
//   - Publish 返回成功即代表 broker 已持久化该消息（At-least-once 的发送侧前提）
//   - 按 topic + 消费组订阅；同一 Key 的消息始终落在同一分区
//   - 单个分区内按 FIFO 顺序投递，且严格串行处理
//   - 确认（Ack）由消费者在 Inbox 事务提交之后手动提交
//
// 崩溃恢复产生的重复投递由接收侧 Inbox 按 event-id 去重。
package messaging

import (
	"context"
)

// Record 传输层的字节级消息
//
// Key 为路由键（聚合 Key），决定分区归属；Headers 携带信封元数据。
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Header 读取指定头（不存在返回空串）
func (r Record) Header(key string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[key]
}

// Delivery 一次消息投递
//
// Ack 表示该逻辑投递处理完毕（在 Inbox 事务提交后调用）；
// Nak 请求传输层重新投递。两者只应调用其一。
type Delivery interface {
	Record() Record
	Topic() string
	Partition() int
	Ack() error
	Nak() error
}

// DeliveryHandler 投递处理函数
//
// 返回 error 仅用于日志；是否重投递由 Ack/Nak 决定。
type DeliveryHandler func(ctx context.Context, d Delivery) error

// Transport 消息传输接口
type Transport interface {
	// Publish 发布消息；返回 nil 即 broker 已持久化
	Publish(ctx context.Context, topic string, rec Record) error

	// Subscribe 按 topic 和消费组订阅
	//
	// 同一消费组内分区在成员间分配；单分区投递严格串行。
	Subscribe(topic, group string, handler DeliveryHandler) error

	// Start 启动传输层（建立连接、启动消费循环）
	Start(ctx context.Context) error

	// Close 关闭传输层
	Close() error

	// Stats 返回统计信息
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running        bool     `json:"running"`
	SubscriberInfo []string `json:"subscribers,omitempty"`
	Published      int64    `json:"published"`
	Delivered      int64    `json:"delivered"`
	Redelivered    int64    `json:"redelivered"`
}
