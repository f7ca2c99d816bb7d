package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger zap 日志实现.
type zapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// newZapLogger 创建 zap logger.
func newZapLogger(config *Config) (Logger, error) {
	return newZapLoggerWithSyncer(config, zapcore.AddSync(os.Stdout)), nil
}

// newZapLoggerWithSyncer 使用指定输出创建 zap logger，便于测试捕获输出.
func newZapLoggerWithSyncer(config *Config, ws zapcore.WriteSyncer) *zapLogger {
	core := zapcore.NewCore(buildEncoder(config), ws, parseLevel(config.Level))

	var options []zap.Option
	if config.EnableCaller {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zapLog := zap.New(core, options...).With(zap.String("service", config.ServiceName))
	return &zapLogger{logger: zapLog, sugar: zapLog.Sugar()}
}

// buildEncoder 根据格式构建编码器.
func buildEncoder(config *Config) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = config.TimeKey
	cfg.MessageKey = config.MessageKey
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(config.Format, FormatConsole) {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// parseLevel 解析日志级别.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "warning":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	case LevelPanic:
		return zapcore.PanicLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *zapLogger) Debug(args ...any) { z.sugar.Debug(args...) }
func (z *zapLogger) Debugf(format string, args ...any) { z.sugar.Debugf(format, args...) }
func (z *zapLogger) Info(args ...any) { z.sugar.Info(args...) }
func (z *zapLogger) Infof(format string, args ...any) { z.sugar.Infof(format, args...) }
func (z *zapLogger) Warn(args ...any) { z.sugar.Warn(args...) }
func (z *zapLogger) Warnf(format string, args ...any) { z.sugar.Warnf(format, args...) }
func (z *zapLogger) Error(args ...any) { z.sugar.Error(args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.sugar.Errorf(format, args...) }
func (z *zapLogger) Fatal(args ...any) { z.sugar.Fatal(args...) }
func (z *zapLogger) Fatalf(format string, args ...any) { z.sugar.Fatalf(format, args...) }
func (z *zapLogger) Panic(args ...any) { z.sugar.Panic(args...) }
func (z *zapLogger) Panicf(format string, args ...any) { z.sugar.Panicf(format, args...) }

// With 返回带有附加字段的 logger.
func (z *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return z
	}
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = toZapField(f)
	}
	newLogger := z.logger.With(zapFields...)
	return &zapLogger{logger: newLogger, sugar: newLogger.Sugar()}
}

// toZapField 将 Field 转换为 zap.Field.
func toZapField(f Field) zap.Field {
	switch v := f.Value.(type) {
	case string:
		return zap.String(f.Key, v)
	case int:
		return zap.Int(f.Key, v)
	case int64:
		return zap.Int64(f.Key, v)
	case float64:
		return zap.Float64(f.Key, v)
	case bool:
		return zap.Bool(f.Key, v)
	case time.Time:
		return zap.Time(f.Key, v)
	case time.Duration:
		return zap.Duration(f.Key, v)
	case error:
		return zap.NamedError(f.Key, v)
	default:
		return zap.Reflect(f.Key, v)
	}
}

// WithContext 返回带有 context 中 traceId、sagaId 的 logger.
func (z *zapLogger) WithContext(ctx context.Context) Logger {
	return z.With(contextFields(ctx)...)
}

// Sync 同步日志缓冲区.
func (z *zapLogger) Sync() error {
	return z.logger.Sync()
}

// Close 关闭 logger.
//
// stdout 的 sync 错误会被忽略，见 https://github.com/uber-go/zap/issues/328.
func (z *zapLogger) Close() error {
	_ = z.logger.Sync()
	return nil
}
