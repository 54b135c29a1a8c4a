package monitoring

import (
	"context"
	"sync"
	"time"

	"sagaflow/logging"
)

// HealthStatus 管道健康度
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PendingCounter 可统计积压量的存储
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// DLQCounter 可统计未重放死信数的存储
type DLQCounter interface {
	Count(ctx context.Context) (int64, error)
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	// Interval 采集间隔
	Interval time.Duration `json:"interval" yaml:"interval"`

	// PendingWarn 积压达到该值报 degraded
	PendingWarn int64 `json:"pending_warn" yaml:"pending_warn"`

	// PendingCritical 积压达到该值报 unhealthy
	PendingCritical int64 `json:"pending_critical" yaml:"pending_critical"`
}

// DefaultCollectorConfig 返回默认配置
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Interval:        15 * time.Second,
		PendingWarn:     1000,
		PendingCritical: 10000,
	}
}

// Collector 周期性从存储采集积压指标并评估健康度
//
// 判定规则：存储查询失败 ⇒ unhealthy；积压超过临界值 ⇒ unhealthy；
// 积压超过告警值或存在未重放死信 ⇒ degraded；否则 healthy。
type Collector struct {
	cfg     CollectorConfig
	outbox  PendingCounter
	dlq     DLQCounter
	metrics *Metrics
	logger  logging.Logger

	mu     sync.RWMutex
	status HealthStatus

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector 创建采集器（outbox / dlq 可为 nil）
func NewCollector(cfg CollectorConfig, outbox PendingCounter, dlq DLQCounter, metrics *Metrics) *Collector {
	def := DefaultCollectorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PendingWarn <= 0 {
		cfg.PendingWarn = def.PendingWarn
	}
	if cfg.PendingCritical <= 0 {
		cfg.PendingCritical = def.PendingCritical
	}
	return &Collector{
		cfg:     cfg,
		outbox:  outbox,
		dlq:     dlq,
		metrics: metrics,
		logger:  logging.ComponentLogger("monitoring.collector"),
		status:  HealthHealthy,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Health 当前健康度
func (c *Collector) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start 启动采集循环
func (c *Collector) Start(ctx context.Context) error {
	go c.loop(ctx)
	return nil
}

// Stop 停止采集循环
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
	return nil
}

func (c *Collector) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(c.doneCh)
	}()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce 执行一次采集并更新健康度
func (c *Collector) CollectOnce(ctx context.Context) {
	status := HealthHealthy

	if c.outbox != nil {
		pending, err := c.outbox.CountPending(ctx)
		switch {
		case err != nil:
			c.logger.Error(ctx, "collect outbox pending failed", logging.Error(err))
			status = HealthUnhealthy
		case pending >= c.cfg.PendingCritical:
			status = HealthUnhealthy
		case pending >= c.cfg.PendingWarn:
			status = worse(status, HealthDegraded)
		}
		if err == nil && c.metrics != nil {
			c.metrics.OutboxPending.Set(float64(pending))
		}
	}

	if c.dlq != nil {
		depth, err := c.dlq.Count(ctx)
		switch {
		case err != nil:
			c.logger.Error(ctx, "collect dlq depth failed", logging.Error(err))
			status = HealthUnhealthy
		case depth > 0:
			status = worse(status, HealthDegraded)
		}
		if err == nil && c.metrics != nil {
			c.metrics.DLQDepth.Set(float64(depth))
		}
	}

	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed {
		c.logger.Info(ctx, "pipeline health changed", logging.String("status", string(status)))
	}
}

func worse(current, candidate HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}
