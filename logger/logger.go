// Package logger 提供结构化日志记录功能.
package logger

import (
	"context"
	"time"
)

// 日志类型常量.
const (
	TypeZap = "zap"
	TypeNop = "nop"
)

// 日志级别常量.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
	LevelPanic = "panic"
)

// 输出格式常量.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// contextKey context 键类型.
type contextKey string

// 预定义的 context key.
const (
	// TraceIDKey 用于在 context 中存储 traceId.
	TraceIDKey contextKey = "logger:traceId"
	// SagaIDKey 用于在 context 中存储当前处理的 sagaId.
	SagaIDKey contextKey = "logger:sagaId"
)

// Field 表示一个日志字段.
type Field struct {
	Key   string
	Value any
}

// Logger 日志记录器接口.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Panic(args ...any)
	Panicf(format string, args ...any)

	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger

	Sync() error
	Close() error
}

// ContextWithTraceID 将 traceId 注入到 context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// ContextWithSagaID 将 sagaId 注入到 context，WithContext 会自动带出该字段.
func ContextWithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, SagaIDKey, sagaID)
}

// contextFields 从 context 中提取日志字段.
func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var fields []Field
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		fields = append(fields, String("traceId", traceID))
	}
	if sagaID, ok := ctx.Value(SagaIDKey).(string); ok && sagaID != "" {
		fields = append(fields, String("sagaId", sagaID))
	}
	return fields
}

// NewLogger 创建 logger 实例.
func NewLogger(config *Config) (Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	switch config.Type {
	case TypeZap:
		return newZapLogger(config)
	case TypeNop:
		return NewNop(), nil
	default:
		return nil, &ConfigError{Field: "type", Message: "unsupported logger type: " + config.Type}
	}
}

// MustNewLogger 创建 logger 实例，失败时 panic.
func MustNewLogger(config *Config) Logger {
	l, err := NewLogger(config)
	if err != nil {
		panic(err)
	}
	return l
}

// 便捷字段构造函数

// String 创建字符串字段.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int 创建整数字段.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 创建 int64 字段.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 创建 float64 字段.
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool 创建布尔字段.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Time 创建时间字段.
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Duration 创建持续时间字段.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err 创建错误字段.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any 创建任意类型字段.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}
