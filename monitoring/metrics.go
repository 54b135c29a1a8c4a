// Package monitoring 提供协调核心的 Prometheus 指标
//
// 指标在包内注册到独立的 Registry，由部署方决定如何暴露。
// 各组件直接调用对应的计数器；不采集业务数据，只采集管道健康度。
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 协调核心指标集
type Metrics struct {
	OutboxPublished prometheus.Counter
	OutboxFailed    prometheus.Counter
	OutboxPending   prometheus.Gauge

	InboxProcessed  prometheus.Counter
	InboxDuplicates prometheus.Counter
	InboxFailed     prometheus.Counter

	DLQMoved prometheus.Counter
	DLQDepth prometheus.Gauge

	SagaStarted     prometheus.Counter
	SagaCompleted   prometheus.Counter
	SagaCompensated prometheus.Counter
	SagaFailed      prometheus.Counter

	RecoveryResumed prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics 创建并注册指标集
func NewMetrics() *Metrics {
	m := &Metrics{
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_outbox_published_total",
			Help: "Outbox entries successfully published to the transport.",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_outbox_failed_total",
			Help: "Outbox publish attempts that failed.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sagaflow_outbox_pending",
			Help: "Outbox entries waiting to be published.",
		}),
		InboxProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_inbox_processed_total",
			Help: "Inbound events processed exactly once.",
		}),
		InboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_inbox_duplicates_total",
			Help: "Inbound events dropped as duplicates.",
		}),
		InboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_inbox_failed_total",
			Help: "Inbound handler invocations that failed.",
		}),
		DLQMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_dlq_moved_total",
			Help: "Messages quarantined to the dead letter queue.",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sagaflow_dlq_depth",
			Help: "Dead letter entries awaiting operator action.",
		}),
		SagaStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_saga_started_total",
			Help: "Saga instances started.",
		}),
		SagaCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_saga_completed_total",
			Help: "Saga instances that reached Completed.",
		}),
		SagaCompensated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_saga_compensated_total",
			Help: "Saga instances that reached Compensated.",
		}),
		SagaFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_saga_failed_total",
			Help: "Saga instances that reached Failed.",
		}),
		RecoveryResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_recovery_resumed_total",
			Help: "Stuck saga instances resumed by the recovery worker.",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.OutboxPublished, m.OutboxFailed, m.OutboxPending,
		m.InboxProcessed, m.InboxDuplicates, m.InboxFailed,
		m.DLQMoved, m.DLQDepth,
		m.SagaStarted, m.SagaCompleted, m.SagaCompensated, m.SagaFailed,
		m.RecoveryResumed,
	)
	return m
}

// Registry 返回底层 Prometheus Registry（供部署方挂接 HTTP handler）
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
