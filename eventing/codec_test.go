package eventing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/messaging"
)

// TestEncodeDecode 测试编解码往返
func TestEncodeDecode(t *testing.T) {
	env := NewEnvelope("inventory.reserve", "order-1", "order-1", []byte(`{"sku":"A"}`))
	env.CausationID = "cause-1"

	rec, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("order-1"), rec.Key)
	assert.Equal(t, []byte(`{"sku":"A"}`), rec.Value)
	assert.Equal(t, env.EventID, rec.Header(HeaderEventID))
	assert.Equal(t, "inventory.reserve", rec.Header(HeaderEventType))
	assert.Equal(t, "cause-1", rec.Header(HeaderCausationID))

	decoded, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, env.CausationID, decoded.CausationID)
	assert.Equal(t, env.AggregateKey, decoded.AggregateKey)
	assert.Equal(t, env.SchemaVersion, decoded.SchemaVersion)
	assert.Equal(t, []byte(env.Payload), []byte(decoded.Payload))
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
}

// TestEncode_InvalidEnvelope 测试编码非法信封
func TestEncode_InvalidEnvelope(t *testing.T) {
	env := NewEnvelope("a.b", "corr", "key", nil)
	env.EventID = ""
	_, err := Encode(env)
	require.Error(t, err)
	var malformed *MalformedError
	assert.ErrorAs(t, err, &malformed)
}

// TestDecode_MissingHeaders 测试缺失必填头
func TestDecode_MissingHeaders(t *testing.T) {
	base := func() messaging.Record {
		env := NewEnvelope("a.b", "corr", "key", []byte(`{}`))
		rec, err := Encode(env)
		require.NoError(t, err)
		return rec
	}

	for _, header := range []string{
		HeaderEventID, HeaderEventType, HeaderCorrelationID, HeaderSchemaVersion,
	} {
		t.Run(header, func(t *testing.T) {
			rec := base()
			delete(rec.Headers, header)
			_, err := Decode(rec)
			require.Error(t, err)
			var malformed *MalformedError
			assert.ErrorAs(t, err, &malformed)
			assert.Contains(t, err.Error(), header)
		})
	}
}

// TestDecode_InvalidSchemaVersion 测试非法模式版本
func TestDecode_InvalidSchemaVersion(t *testing.T) {
	env := NewEnvelope("a.b", "corr", "key", nil)
	rec, err := Encode(env)
	require.NoError(t, err)

	for _, bad := range []string{"abc", "0", "-1"} {
		rec.Headers[HeaderSchemaVersion] = bad
		_, err := Decode(rec)
		var malformed *MalformedError
		assert.ErrorAs(t, err, &malformed)
	}
}

// TestDecode_InvalidTimestamp 测试非法时间戳
func TestDecode_InvalidTimestamp(t *testing.T) {
	env := NewEnvelope("a.b", "corr", "key", nil)
	rec, err := Encode(env)
	require.NoError(t, err)

	rec.Headers[HeaderOccurredAt] = "not-a-time"
	_, err = Decode(rec)
	var malformed *MalformedError
	assert.ErrorAs(t, err, &malformed)
}

// TestCodec_PreservesUnknownHeaders 测试未知头保留
func TestCodec_PreservesUnknownHeaders(t *testing.T) {
	env := NewEnvelope("a.b", "corr", "key", nil)
	rec, err := Encode(env)
	require.NoError(t, err)
	rec.Headers["x-trace-id"] = "trace-42"

	decoded, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, "trace-42", decoded.Headers["x-trace-id"])

	// 重新编码后未知头原样带回
	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, "trace-42", reencoded.Header("x-trace-id"))
}

// TestDecode_OccurredAtRoundTrip 测试时间戳精度
func TestDecode_OccurredAtRoundTrip(t *testing.T) {
	env := NewEnvelope("a.b", "corr", "key", nil)
	env.OccurredAt = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	rec, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(rec)
	require.NoError(t, err)
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
}
