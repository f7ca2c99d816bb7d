// Package config 基于 viper 加载配置文件与环境变量.
//
// 配置结构体使用 mapstructure 标签；实现 Validatable 的配置在加载后自动校验.
//
//	cfg, err := config.Load[Config]("configs/saga-orchestrator.yaml",
//	    config.WithEnvPrefix("SAGA"),
//	    config.WithDefaults(defaults),
//	)
package config

import (
	"path/filepath"
	"strings"
)

// Validatable 可验证的配置接口.
type Validatable interface {
	Validate() error
}

// GetConfigType 根据文件扩展名获取配置类型，不支持时返回空字符串.
func GetConfigType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return ""
	}
}
