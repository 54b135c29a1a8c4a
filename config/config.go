// Package config 提供基于 YAML 的服务配置
//
// 所有字段都有可用的默认值：配置文件只需覆盖关心的部分。
// 时长字段用 Go 的时长语法书写（如 "30s"、"5m"）。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sagaflow/eventing/inbox"
	"sagaflow/eventing/outbox"
	"sagaflow/logging"
	"sagaflow/logging/zaplog"
	"sagaflow/recovery"
	"sagaflow/saga"
)

// Duration 支持 "30s" 语法的 YAML 时长
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServiceConfig 服务标识
type ServiceConfig struct {
	// Name 服务名（写入 DLQ 记录，便于运维分诊）
	Name string `yaml:"name"`
}

// DatabaseConfig 数据库连接
type DatabaseConfig struct {
	// Driver 驱动名：sqlite 或 postgres
	Driver string `yaml:"driver"`

	// DSN 连接串
	DSN string `yaml:"dsn"`
}

// TransportConfig 传输层
type TransportConfig struct {
	// Kind 传输实现：memory、nats、redis 或 rabbitmq
	Kind string `yaml:"kind"`

	// URL broker 地址
	URL string `yaml:"url"`

	// Partitions 内存传输的分区数
	Partitions int `yaml:"partitions"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	// Level 日志级别：debug、info、warn、error
	Level string `yaml:"level"`

	// Development 开发模式（彩色控制台输出）
	Development bool `yaml:"development"`
}

// Build 按配置构建 zap 日志实现
//
// 服务启动时用返回值调用 logging.SetLogger，全部组件随之切换。
func (c LoggingConfig) Build() (logging.Logger, error) {
	return zaplog.NewFromOptions(c.Level, c.Development)
}

// OutboxConfig Outbox Relay
type OutboxConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	BatchSize       int      `yaml:"batch_size"`
	MaxRetries      int      `yaml:"max_retries"`
	LeaseDuration   Duration `yaml:"lease_duration"`
	RetentionPeriod Duration `yaml:"retention_period"`
}

// Std 转换为组件配置
func (c OutboxConfig) Std() outbox.Config {
	return outbox.Config{
		PollInterval:    c.PollInterval.Std(),
		BatchSize:       c.BatchSize,
		MaxRetries:      c.MaxRetries,
		LeaseDuration:   c.LeaseDuration.Std(),
		RetentionPeriod: c.RetentionPeriod.Std(),
	}
}

// InboxConfig Inbox 过滤器
type InboxConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	RetentionPeriod Duration `yaml:"retention_period"`
}

// Std 转换为组件配置
func (c InboxConfig) Std() inbox.Config {
	return inbox.Config{
		MaxAttempts:     c.MaxAttempts,
		RetentionPeriod: c.RetentionPeriod.Std(),
	}
}

// SagaConfig 编排器
type SagaConfig struct {
	StepTimeout   Duration `yaml:"step_timeout"`
	UpdateRetries int      `yaml:"update_retries"`
}

// Std 转换为组件配置
func (c SagaConfig) Std() saga.Config {
	return saga.Config{
		StepTimeout:   c.StepTimeout.Std(),
		UpdateRetries: c.UpdateRetries,
	}
}

// RecoveryConfig 恢复扫描
type RecoveryConfig struct {
	ScanInterval    Duration `yaml:"scan_interval"`
	StuckThreshold  Duration `yaml:"stuck_threshold"`
	BatchSize       int      `yaml:"batch_size"`
	RetentionPeriod Duration `yaml:"retention_period"`
}

// Std 转换为组件配置
func (c RecoveryConfig) Std() recovery.Config {
	return recovery.Config{
		ScanInterval:    c.ScanInterval.Std(),
		StuckThreshold:  c.StuckThreshold.Std(),
		BatchSize:       c.BatchSize,
		RetentionPeriod: c.RetentionPeriod.Std(),
	}
}

// Config 服务配置根
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Saga      SagaConfig      `yaml:"saga"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
}

// Default 返回默认配置
func Default() *Config {
	ob := outbox.DefaultConfig()
	ib := inbox.DefaultConfig()
	sg := saga.DefaultConfig()
	rc := recovery.DefaultConfig()
	return &Config{
		Service:   ServiceConfig{Name: "sagaflow"},
		Database:  DatabaseConfig{Driver: "sqlite", DSN: "file:sagaflow.db?_pragma=busy_timeout(5000)"},
		Transport: TransportConfig{Kind: "memory", Partitions: 8},
		Logging:   LoggingConfig{Level: "info"},
		Outbox: OutboxConfig{
			PollInterval:    Duration(ob.PollInterval),
			BatchSize:       ob.BatchSize,
			MaxRetries:      ob.MaxRetries,
			LeaseDuration:   Duration(ob.LeaseDuration),
			RetentionPeriod: Duration(ob.RetentionPeriod),
		},
		Inbox: InboxConfig{
			MaxAttempts:     ib.MaxAttempts,
			RetentionPeriod: Duration(ib.RetentionPeriod),
		},
		Saga: SagaConfig{
			StepTimeout:   Duration(sg.StepTimeout),
			UpdateRetries: sg.UpdateRetries,
		},
		Recovery: RecoveryConfig{
			ScanInterval:    Duration(rc.ScanInterval),
			StuckThreshold:  Duration(rc.StuckThreshold),
			BatchSize:       rc.BatchSize,
			RetentionPeriod: Duration(rc.RetentionPeriod),
		},
	}
}

// Load 从文件加载配置（缺失的字段保持默认值）
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
