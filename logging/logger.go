// Package logging 提供统一的日志接口抽象
//
// 协调核心的所有组件（Outbox Relay、Inbox 消费者、Saga 编排器、恢复扫描器）
// 都通过本包输出结构化日志，不直接依赖具体日志库。默认实现基于标准库
// log；生产部署用 logging/zaplog 适配 zap 后调用 SetLogger 全局切换。
package logging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger 结构化日志接口
//
// 方法都带 ctx，便于适配器提取链路信息。
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 派生携带固定字段的 Logger
	WithFields(fields ...Field) Logger
}

// Field 结构化字段
type Field struct {
	Key   string
	Value any
}

// String 字符串字段
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int 整数字段
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 64 位整数字段
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 无符号整数字段
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 浮点字段
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool 布尔字段
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Any 任意值字段
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Duration 时长字段
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Error 错误字段，键固定为 "error"
func Error(err error) Field { return Field{Key: "error", Value: err} }

// StdLogger 基于标准库 log 的实现（默认）
//
// 输出形如 "[INFO] prefix msg key=value ..."，固定字段在前。
type StdLogger struct {
	prefix string
	fields []Field
}

// NewStdLogger 创建标准库实现
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{prefix: prefix}
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.print("[DEBUG]", msg, fields)
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.print("[INFO]", msg, fields)
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.print("[WARN]", msg, fields)
}

func (l *StdLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.print("[ERROR]", msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &StdLogger{prefix: l.prefix, fields: merged}
}

func (l *StdLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	if l.prefix != "" {
		b.WriteByte(' ')
		b.WriteString(l.prefix)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range l.fields {
		writeField(&b, f)
	}
	for _, f := range fields {
		writeField(&b, f)
	}
	log.Println(b.String())
}

func writeField(b *strings.Builder, f Field) {
	b.WriteByte(' ')
	b.WriteString(f.Key)
	b.WriteByte('=')
	switch v := f.Value.(type) {
	case string:
		b.WriteString(v)
	case error:
		b.WriteString(v.Error())
	default:
		b.WriteString(fmt.Sprint(v))
	}
}

// NoopLogger 丢弃全部输出（测试用）
type NoopLogger struct{}

// NewNoopLogger 创建空实现
func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                      { return l }

// 全局默认 Logger，服务启动时可替换
var globalLogger Logger = NewStdLogger("")

// SetLogger 替换全局 Logger
func SetLogger(logger Logger) {
	globalLogger = logger
}

// GetLogger 当前全局 Logger
func GetLogger() Logger {
	return globalLogger
}

// ComponentLogger 返回带 component 字段的全局 Logger
//
// 各后台组件（outbox.relay、inbox.filter、saga.orchestrator 等）
// 使用统一的 component 字段便于日志检索。
func ComponentLogger(name string) Logger {
	return globalLogger.WithFields(String("component", name))
}
