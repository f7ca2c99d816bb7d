// Package database 提供 GORM 连接工厂，支持 MySQL、PostgreSQL 与 SQLite.
package database

import (
	"errors"
	"time"
)

// 支持的驱动类型.
const (
	DriverMySQL      = "mysql"
	DriverPostgres   = "postgres"
	DriverPostgreSQL = "postgresql"
	DriverSQLite     = "sqlite"
	DriverSQLite3    = "sqlite3"
)

// 预定义错误.
var (
	// ErrNilConfig 配置为空.
	ErrNilConfig = errors.New("database: config is nil")
	// ErrEmptyDriver 驱动类型为空.
	ErrEmptyDriver = errors.New("database: driver is required")
	// ErrEmptyDSN 连接字符串为空.
	ErrEmptyDSN = errors.New("database: dsn is required")
	// ErrUnsupportedDriver 不支持的驱动类型.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config 数据库配置.
type Config struct {
	// Driver 数据库驱动：mysql, postgres, sqlite
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`

	// DSN 数据库连接字符串
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`

	// Pool 连接池配置
	Pool PoolConfig `json:"pool" yaml:"pool" mapstructure:"pool"`

	// SlowThreshold 慢查询阈值
	SlowThreshold time.Duration `json:"slow_threshold" yaml:"slow_threshold" mapstructure:"slow_threshold"`

	// LogLevel 日志级别: silent, error, warn, info
	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// PoolConfig 连接池配置.
type PoolConfig struct {
	MaxOpen     int           `json:"max_open" yaml:"max_open" mapstructure:"max_open"`
	MaxIdle     int           `json:"max_idle" yaml:"max_idle" mapstructure:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime" mapstructure:"max_lifetime"`
	MaxIdleTime time.Duration `json:"max_idle_time" yaml:"max_idle_time" mapstructure:"max_idle_time"`
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if c.Driver == "" {
		return ErrEmptyDriver
	}
	if c.DSN == "" {
		return ErrEmptyDSN
	}
	return nil
}

// ApplyDefaults 应用默认值.
func (c *Config) ApplyDefaults() {
	if c.SlowThreshold == 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.Pool.MaxOpen == 0 {
		c.Pool.MaxOpen = 20
	}
	if c.Pool.MaxIdle == 0 {
		c.Pool.MaxIdle = 5
	}
	if c.Pool.MaxLifetime == 0 {
		c.Pool.MaxLifetime = time.Hour
	}
	if c.Pool.MaxIdleTime == 0 {
		c.Pool.MaxIdleTime = 10 * time.Minute
	}
}
