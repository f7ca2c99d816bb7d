package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Tsukikage7/auction-saga/logger"
)

// Open 打开 GORM 连接并配置连接池.
func Open(cfg *Config, log logger.Logger) (*gorm.DB, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialector, err := dialectorFor(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLoggerAdapter(log, cfg.SlowThreshold, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.Pool.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.Pool.MaxIdleTime)

	log.With(logger.String("driver", cfg.Driver)).Info("[Database] 连接已建立")
	return db, nil
}

// Close 关闭 GORM 底层连接.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres, DriverPostgreSQL:
		return postgres.Open(dsn), nil
	case DriverSQLite, DriverSQLite3:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// loggerAdapter 将 GORM 日志输出到 logger.Logger.
type loggerAdapter struct {
	logger        logger.Logger
	slowThreshold time.Duration
	logLevel      gormlogger.LogLevel
}

func newLoggerAdapter(log logger.Logger, slowThreshold time.Duration, level string) gormlogger.Interface {
	logLevel := gormlogger.Warn
	switch level {
	case "silent":
		logLevel = gormlogger.Silent
	case "error":
		logLevel = gormlogger.Error
	case "info":
		logLevel = gormlogger.Info
	}
	return &loggerAdapter{logger: log, slowThreshold: slowThreshold, logLevel: logLevel}
}

func (l *loggerAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.logLevel = level
	return &c
}

func (l *loggerAdapter) Info(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= gormlogger.Info {
		l.logger.WithContext(ctx).Infof(msg, data...)
	}
}

func (l *loggerAdapter) Warn(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= gormlogger.Warn {
		l.logger.WithContext(ctx).Warnf(msg, data...)
	}
}

func (l *loggerAdapter) Error(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= gormlogger.Error {
		l.logger.WithContext(ctx).Errorf(msg, data...)
	}
}

// Trace 记录 SQL：失败为 Error，慢查询为 Warn，其余在 Info 级别下为 Debug.
func (l *loggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.logLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	slow := l.slowThreshold > 0 && elapsed > l.slowThreshold
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	if !failed && !slow && l.logLevel < gormlogger.Info {
		return
	}

	sql, rows := fc()
	log := l.logger.WithContext(ctx).With(
		logger.Duration("elapsed", elapsed),
		logger.Int64("rows", rows),
		logger.String("sql", sql),
	)
	switch {
	case failed:
		log.With(logger.Err(err)).Error("[Database] SQL 执行失败")
	case slow:
		log.With(logger.Duration("threshold", l.slowThreshold)).Warn("[Database] 慢查询")
	default:
		log.Debug("[Database] SQL 执行成功")
	}
}
