// Package participant 实现 Saga 参与方的命令/应答约定
//
// 参与方消费命令事件，在本地事务中执行领域写入，并在同一事务里
// 把应答事件写入 Outbox——领域效应与应答的发出原子绑定。
//
// 应答分两类：
//   - Ok：命令成功执行
//   - Fail：业务性拒绝（如余额不足）。这是一次成功的消息处理，
//     会正常提交并 Ack；编排器据此转入补偿
//
// 应答事件 ID 由 (correlation-id, 命令事件 ID) 确定性派生：
// 命令被重投时应答不会重复生效。
package participant

import (
	"encoding/json"
	"strings"

	"sagaflow/eventing"
	"sagaflow/eventing/outbox"
)

// Reply 命令应答
type Reply struct {
	// Ok 命令是否成功执行
	Ok bool `json:"ok"`

	// Reason 业务性拒绝的原因（Ok 为 false 时必填）
	Reason string `json:"reason,omitempty"`

	// Data 应答携带的业务数据
	Data json.RawMessage `json:"data,omitempty"`
}

// Okay 创建成功应答
func Okay(data json.RawMessage) Reply {
	return Reply{Ok: true, Data: data}
}

// Fail 创建业务性拒绝应答
func Fail(reason string) Reply {
	return Reply{Ok: false, Reason: reason}
}

// 应答事件类型后缀
const (
	SuffixOk     = ".ok"
	SuffixFailed = ".failed"
)

// ReplyEventType 命令对应的应答事件类型
func ReplyEventType(commandType string, ok bool) string {
	if ok {
		return commandType + SuffixOk
	}
	return commandType + SuffixFailed
}

// ReplyTopic 应答事件的默认发布 topic
//
// 应答不能发回命令 topic：端点的消费组会把它当作未知命令处理。
const ReplyTopic = "replies"

// IsReply 判断事件类型是否为应答
func IsReply(eventType string) bool {
	return strings.HasSuffix(eventType, SuffixOk) || strings.HasSuffix(eventType, SuffixFailed)
}

// TopicFor Outbox 的 topic 路由：应答事件进 ReplyTopic，
// 其余按事件类型首段路由
func TopicFor(env eventing.Envelope) string {
	if IsReply(env.EventType) {
		return ReplyTopic
	}
	return outbox.DefaultTopicResolver(env)
}

// ReplyEventID 命令对应的确定性应答事件 ID
func ReplyEventID(correlationID, commandEventID string) string {
	return eventing.DeriveEventID(correlationID, commandEventID+".reply")
}

// ReplyEnvelope 构造应答信封
//
// correlation-id 延续命令；causation-id 指向命令事件；
// event-id 确定性派生，命令重投时应答在下游被去重。
func ReplyEnvelope(cmd eventing.Envelope, reply Reply) (eventing.Envelope, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return eventing.Envelope{}, err
	}
	env := eventing.NewEnvelopeWithID(
		ReplyEventID(cmd.CorrelationID, cmd.EventID),
		ReplyEventType(cmd.EventType, reply.Ok),
		cmd.CorrelationID,
		cmd.AggregateKey,
		payload,
	)
	env.CausationID = cmd.EventID
	return env, nil
}

// ParseReply 从应答信封解出 Reply
func ParseReply(env eventing.Envelope) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}
