// Package zaplog 基于 go.uber.org/zap 实现 logging.Logger
//
// 生产部署使用本适配器输出结构化 JSON 日志；开发和测试使用
// logging.StdLogger / NoopLogger 即可。
package zaplog

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sagaflow/logging"
)

// ZapLogger zap 适配器
type ZapLogger struct {
	base *zap.Logger
}

// New 包装已有的 *zap.Logger
func New(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base}
}

// NewProduction 创建生产配置的 zap Logger
func NewProduction() (*ZapLogger, error) {
	base, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base}, nil
}

// NewFromOptions 按级别和模式构建 zap Logger
//
// development 模式输出彩色控制台日志，否则输出生产 JSON。
// level 为空时使用各模式的默认级别（开发 debug、生产 info）。
func NewFromOptions(level string, development bool) (*ZapLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base}, nil
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...logging.Field) {
	l.base.Debug(msg, convert(fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...logging.Field) {
	l.base.Info(msg, convert(fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...logging.Field) {
	l.base.Warn(msg, convert(fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...logging.Field) {
	l.base.Error(msg, convert(fields)...)
}

func (l *ZapLogger) WithFields(fields ...logging.Field) logging.Logger {
	return &ZapLogger{base: l.base.With(convert(fields)...)}
}

// Sync 刷新缓冲的日志
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func convert(fields []logging.Field) []zap.Field {
	zfs := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			zfs = append(zfs, zap.NamedError(f.Key, v))
		default:
			zfs = append(zfs, zap.Any(f.Key, f.Value))
		}
	}
	return zfs
}
