package participant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/eventing"
)

// TestReplyEventType 测试应答事件类型派生
func TestReplyEventType(t *testing.T) {
	assert.Equal(t, "inventory.reserve.ok", ReplyEventType("inventory.reserve", true))
	assert.Equal(t, "inventory.reserve.failed", ReplyEventType("inventory.reserve", false))
}

// TestIsReply 测试应答类型判定
func TestIsReply(t *testing.T) {
	assert.True(t, IsReply("inventory.reserve.ok"))
	assert.True(t, IsReply("payment.charge.failed"))
	assert.False(t, IsReply("inventory.reserve"))
	assert.False(t, IsReply("order.confirmed"))
}

// TestTopicFor 测试应答与命令的路由分流
func TestTopicFor(t *testing.T) {
	cmd := eventing.NewEnvelope("inventory.reserve", "order-1", "order-1", nil)
	assert.Equal(t, "inventory", TopicFor(cmd))

	reply := eventing.NewEnvelope("inventory.reserve.ok", "order-1", "order-1", nil)
	assert.Equal(t, ReplyTopic, TopicFor(reply))

	failed := eventing.NewEnvelope("payment.charge.failed", "order-1", "order-1", nil)
	assert.Equal(t, ReplyTopic, TopicFor(failed))
}

// TestReplyEventID 测试应答 ID 确定性
func TestReplyEventID(t *testing.T) {
	a := ReplyEventID("order-1", "cmd-1")
	assert.Equal(t, a, ReplyEventID("order-1", "cmd-1"))
	assert.NotEqual(t, a, ReplyEventID("order-1", "cmd-2"))
	assert.NotEqual(t, a, ReplyEventID("order-2", "cmd-1"))
}

// TestReplyEnvelope 测试应答信封构造
func TestReplyEnvelope(t *testing.T) {
	cmd := eventing.NewEnvelopeWithID("cmd-1", "payment.charge", "order-1", "order-1", []byte(`{"amount":10}`))

	env, err := ReplyEnvelope(cmd, Okay(json.RawMessage(`{"transaction_id":"tx-1"}`)))
	require.NoError(t, err)
	assert.Equal(t, "payment.charge.ok", env.EventType)
	assert.Equal(t, "order-1", env.CorrelationID)
	assert.Equal(t, "order-1", env.AggregateKey)
	assert.Equal(t, "cmd-1", env.CausationID)
	assert.Equal(t, ReplyEventID("order-1", "cmd-1"), env.EventID)
	require.NoError(t, env.Validate())

	// 命令重投产生相同的应答 event-id
	again, err := ReplyEnvelope(cmd, Okay(nil))
	require.NoError(t, err)
	assert.Equal(t, env.EventID, again.EventID)

	reply, err := ParseReply(env)
	require.NoError(t, err)
	assert.True(t, reply.Ok)
	assert.Equal(t, "tx-1", extractString(t, reply.Data, "transaction_id"))
}

// TestReplyEnvelope_Fail 测试业务拒绝应答
func TestReplyEnvelope_Fail(t *testing.T) {
	cmd := eventing.NewEnvelopeWithID("cmd-1", "payment.charge", "order-1", "order-1", nil)

	env, err := ReplyEnvelope(cmd, Fail("card_declined"))
	require.NoError(t, err)
	assert.Equal(t, "payment.charge.failed", env.EventType)

	reply, err := ParseReply(env)
	require.NoError(t, err)
	assert.False(t, reply.Ok)
	assert.Equal(t, "card_declined", reply.Reason)
}

// TestParseReply_Malformed 测试非法应答负载
func TestParseReply_Malformed(t *testing.T) {
	env := eventing.NewEnvelope("payment.charge.ok", "order-1", "order-1", []byte(`not json`))
	_, err := ParseReply(env)
	assert.Error(t, err)
}

func extractString(t *testing.T, data json.RawMessage, key string) string {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	s, _ := doc[key].(string)
	return s
}
