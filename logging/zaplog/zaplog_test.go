package zaplog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sagaflow/logging"
)

// TestZapLogger_FieldConversion 测试字段转换与输出
func TestZapLogger_FieldConversion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Info(context.Background(), "saga started",
		logging.String("correlation_id", "order-1"),
		logging.Int("steps", 3),
		logging.Error(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "saga started", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "order-1", fields["correlation_id"])
	assert.Equal(t, int64(3), fields["steps"])
	assert.Equal(t, "boom", fields["error"])
}

// TestZapLogger_WithFields 测试派生 Logger 继承固定字段
func TestZapLogger_WithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core)).WithFields(logging.String("component", "outbox.relay"))

	l.Warn(context.Background(), "publish failed", logging.Int("retry_count", 2))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "outbox.relay", fields["component"])
	assert.Equal(t, int64(2), fields["retry_count"])
}

// TestZapLogger_LevelFilter 测试低于阈值的日志被丢弃
func TestZapLogger_LevelFilter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))

	l.Debug(context.Background(), "claimed batch")
	l.Error(context.Background(), "pass failed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pass failed", entries[0].Message)
}

// TestNewFromOptions 测试按级别和模式构建
func TestNewFromOptions(t *testing.T) {
	l, err := NewFromOptions("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, l)

	l, err = NewFromOptions("", false)
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewFromOptions("verbose", false)
	assert.ErrorContains(t, err, "invalid log level")
}
