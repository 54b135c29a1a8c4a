package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

// fakePendingCounter 积压计数替身
type fakePendingCounter struct {
	pending int64
	err     error
}

func (f *fakePendingCounter) CountPending(ctx context.Context) (int64, error) {
	return f.pending, f.err
}

// fakeDLQCounter 死信计数替身
type fakeDLQCounter struct {
	depth int64
	err   error
}

func (f *fakeDLQCounter) Count(ctx context.Context) (int64, error) {
	return f.depth, f.err
}

func testCollectorConfig() CollectorConfig {
	return CollectorConfig{Interval: time.Hour, PendingWarn: 10, PendingCritical: 100}
}

// TestCollector_Healthy 测试健康状态
func TestCollector_Healthy(t *testing.T) {
	c := NewCollector(testCollectorConfig(), &fakePendingCounter{pending: 3}, &fakeDLQCounter{}, nil)
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthHealthy, c.Health())
}

// TestCollector_DegradedOnBacklog 测试积压告警
func TestCollector_DegradedOnBacklog(t *testing.T) {
	c := NewCollector(testCollectorConfig(), &fakePendingCounter{pending: 10}, &fakeDLQCounter{}, nil)
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthDegraded, c.Health())
}

// TestCollector_DegradedOnDLQ 测试存在未重放死信
func TestCollector_DegradedOnDLQ(t *testing.T) {
	c := NewCollector(testCollectorConfig(), &fakePendingCounter{}, &fakeDLQCounter{depth: 1}, nil)
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthDegraded, c.Health())
}

// TestCollector_UnhealthyOnCriticalBacklog 测试积压超临界
func TestCollector_UnhealthyOnCriticalBacklog(t *testing.T) {
	c := NewCollector(testCollectorConfig(), &fakePendingCounter{pending: 100}, &fakeDLQCounter{}, nil)
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthUnhealthy, c.Health())
}

// TestCollector_UnhealthyOnStoreError 测试存储查询失败
func TestCollector_UnhealthyOnStoreError(t *testing.T) {
	outbox := &fakePendingCounter{err: errors.New("database locked")}
	c := NewCollector(testCollectorConfig(), outbox, &fakeDLQCounter{}, nil)
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthUnhealthy, c.Health())

	// 存储恢复后健康度回落
	outbox.err = nil
	c.CollectOnce(context.Background())
	assert.Equal(t, HealthHealthy, c.Health())
}

// TestCollector_SetsGauges 测试写入指标
func TestCollector_SetsGauges(t *testing.T) {
	metrics := NewMetrics()
	c := NewCollector(testCollectorConfig(), &fakePendingCounter{pending: 7}, &fakeDLQCounter{depth: 2}, metrics)
	c.CollectOnce(context.Background())

	assert.Equal(t, float64(7), gaugeValue(t, metrics.OutboxPending))
	assert.Equal(t, float64(2), gaugeValue(t, metrics.DLQDepth))
}

// TestCollector_StartStop 测试采集循环启停
func TestCollector_StartStop(t *testing.T) {
	outbox := &fakePendingCounter{pending: 100}
	c := NewCollector(CollectorConfig{Interval: 10 * time.Millisecond, PendingWarn: 10, PendingCritical: 100}, outbox, nil, nil)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return c.Health() == HealthUnhealthy
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
}
