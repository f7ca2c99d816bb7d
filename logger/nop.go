package logger

import "context"

// nopLogger 丢弃所有输出的 logger，用于测试或关闭日志.
type nopLogger struct{}

// NewNop 创建不输出任何内容的 logger.
func NewNop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(...any) {}
func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Info(...any) {}
func (nopLogger) Infof(string, ...any) {}
func (nopLogger) Warn(...any) {}
func (nopLogger) Warnf(string, ...any) {}
func (nopLogger) Error(...any) {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Fatal(...any) {}
func (nopLogger) Fatalf(string, ...any) {}
func (nopLogger) Panic(args ...any) { panic(args) }
func (nopLogger) Panicf(format string, args ...any) { panic(format) }
func (n nopLogger) With(...Field) Logger { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
func (nopLogger) Sync() error { return nil }
func (nopLogger) Close() error { return nil }
