// Package mongodb 提供 MongoDB 连接配置与建连.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Tsukikage7/auction-saga/logger"
)

// 预定义错误.
var (
	ErrNilConfig     = errors.New("mongodb: config is nil")
	ErrEmptyURI      = errors.New("mongodb: URI is empty")
	ErrEmptyDatabase = errors.New("mongodb: database name is empty")
)

// Config MongoDB 配置.
type Config struct {
	// URI 连接字符串
	URI string `json:"uri" yaml:"uri" mapstructure:"uri"`
	// Database 数据库名
	Database string `json:"database" yaml:"database" mapstructure:"database"`
	// Collection saga 集合名
	Collection string `json:"collection" yaml:"collection" mapstructure:"collection"`
	// ConnectTimeout 连接超时
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	// ServerSelectionTimeout 服务器选择超时
	ServerSelectionTimeout time.Duration `json:"server_selection_timeout" yaml:"server_selection_timeout" mapstructure:"server_selection_timeout"`
	// MaxPoolSize 最大连接池大小
	MaxPoolSize uint64 `json:"max_pool_size" yaml:"max_pool_size" mapstructure:"max_pool_size"`
	// MinPoolSize 最小连接池大小
	MinPoolSize uint64 `json:"min_pool_size" yaml:"min_pool_size" mapstructure:"min_pool_size"`
	// MaxConnIdleTime 连接最大空闲时间
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time" yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	// ReplicaSet 副本集名称
	ReplicaSet string `json:"replica_set" yaml:"replica_set" mapstructure:"replica_set"`
	// Direct 是否直连单节点
	Direct bool `json:"direct" yaml:"direct" mapstructure:"direct"`
}

// DefaultConfig 返回默认配置.
func DefaultConfig() *Config {
	return &Config{
		Collection:             "sagas",
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		MaxPoolSize:            100,
		MinPoolSize:            5,
		MaxConnIdleTime:        10 * time.Minute,
	}
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if c.URI == "" {
		return ErrEmptyURI
	}
	if c.Database == "" {
		return ErrEmptyDatabase
	}
	return nil
}

// ApplyDefaults 应用默认值.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Collection == "" {
		c.Collection = defaults.Collection
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.ServerSelectionTimeout == 0 {
		c.ServerSelectionTimeout = defaults.ServerSelectionTimeout
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = defaults.MaxPoolSize
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = defaults.MinPoolSize
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = defaults.MaxConnIdleTime
	}
}

// ClientOptions 根据配置构建驱动选项.
func (c *Config) ClientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetServerSelectionTimeout(c.ServerSelectionTimeout)
	opts.SetMaxPoolSize(c.MaxPoolSize)
	opts.SetMinPoolSize(c.MinPoolSize)
	opts.SetMaxConnIdleTime(c.MaxConnIdleTime)
	if c.ReplicaSet != "" {
		opts.SetReplicaSet(c.ReplicaSet)
	}
	if c.Direct {
		opts.SetDirect(true)
	}
	return opts
}

// Connect 建立连接并 Ping，返回客户端与默认数据库.
func Connect(ctx context.Context, cfg *Config, log logger.Logger) (*mongo.Client, *mongo.Database, error) {
	if cfg == nil {
		return nil, nil, ErrNilConfig
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	client, err := mongo.Connect(cfg.ClientOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("mongodb: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("mongodb: ping: %w", err)
	}

	log.With(
		logger.String("uri", MaskURI(cfg.URI)),
		logger.String("database", cfg.Database),
	).Info("[MongoDB] 连接已建立")

	return client, client.Database(cfg.Database), nil
}

// MaskURI 遮盖 URI 中的密码.
func MaskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
