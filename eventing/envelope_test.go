package eventing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewEnvelope 测试创建信封
func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("order.confirmed", "order-1", "order-1", []byte(`{"a":1}`))

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "order.confirmed", env.EventType)
	assert.Equal(t, "order-1", env.CorrelationID)
	assert.Equal(t, "order-1", env.AggregateKey)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Empty(t, env.CausationID)
	assert.False(t, env.OccurredAt.IsZero())

	// 两次创建的 event-id 不同
	other := NewEnvelope("order.confirmed", "order-1", "order-1", nil)
	assert.NotEqual(t, env.EventID, other.EventID)
}

// TestNewEnvelopeWithID 测试指定 event-id 创建信封
func TestNewEnvelopeWithID(t *testing.T) {
	env := NewEnvelopeWithID("fixed-id", "inventory.reserve", "order-1", "order-1", nil)
	assert.Equal(t, "fixed-id", env.EventID)
	assert.Equal(t, "inventory.reserve", env.EventType)
}

// TestEnvelope_Followup 测试派生后续事件
func TestEnvelope_Followup(t *testing.T) {
	parent := NewEnvelope("payment.charge", "order-1", "order-1", nil)
	next := parent.Followup("payment.charge.ok", "order-1", []byte(`{}`))

	assert.Equal(t, parent.CorrelationID, next.CorrelationID)
	assert.Equal(t, parent.EventID, next.CausationID)
	assert.NotEqual(t, parent.EventID, next.EventID)
}

// TestEnvelope_Validate 测试必填字段校验
func TestEnvelope_Validate(t *testing.T) {
	valid := NewEnvelope("a.b", "corr", "key", nil)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing event id", func(e *Envelope) { e.EventID = "" }},
		{"missing event type", func(e *Envelope) { e.EventType = "" }},
		{"missing correlation id", func(e *Envelope) { e.CorrelationID = "" }},
		{"zero schema version", func(e *Envelope) { e.SchemaVersion = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("a.b", "corr", "key", nil)
			tt.mutate(&env)
			err := env.Validate()
			require.Error(t, err)
			var malformed *MalformedError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

// TestDeriveEventID 测试确定性 event-id 派生
func TestDeriveEventID(t *testing.T) {
	a := DeriveEventID("order-1", "reserve-inventory")
	b := DeriveEventID("order-1", "reserve-inventory")
	assert.Equal(t, a, b)

	// 不同输入得到不同 id
	assert.NotEqual(t, a, DeriveEventID("order-2", "reserve-inventory"))
	assert.NotEqual(t, a, DeriveEventID("order-1", "charge-payment"))

	// 标准 UUID 形态
	assert.Len(t, a, 36)
}
