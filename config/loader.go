package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/viper"
)

// Load 从文件加载配置，类型根据扩展名识别（yaml、json、toml）.
//
// 环境变量优先于文件，文件优先于 Defaults.
func Load[T any](configPath string, opts ...Option) (*T, error) {
	options := applyOptionFuncs(opts)

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, configPath)
	}

	configType := options.ConfigType
	if configType == "" {
		configType = GetConfigType(configPath)
	}
	if configType == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, configPath)
	}

	v := newViper(options)
	v.SetConfigFile(configPath)
	v.SetConfigType(configType)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadConfig, err)
	}
	return unmarshalAndValidate[T](v)
}

// MustLoad 加载配置，失败时 panic.
func MustLoad[T any](configPath string, opts ...Option) *T {
	cfg, err := Load[T](configPath, opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFromBytes 从字节数组加载配置.
func LoadFromBytes[T any](data []byte, configType string, opts ...Option) (*T, error) {
	v := newViper(applyOptionFuncs(opts))
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadConfig, err)
	}
	return unmarshalAndValidate[T](v)
}

// LoadDefaults 只使用 Defaults 与环境变量加载配置，用于未提供配置文件的场景.
func LoadDefaults[T any](opts ...Option) (*T, error) {
	return unmarshalAndValidate[T](newViper(applyOptionFuncs(opts)))
}

func newViper(options *Options) *viper.Viper {
	v := viper.New()
	for key, value := range options.Defaults {
		v.SetDefault(key, value)
	}
	if options.EnvPrefix != "" {
		v.SetEnvPrefix(options.EnvPrefix)
	}
	if options.EnvKeyReplacer != nil {
		v.SetEnvKeyReplacer(options.EnvKeyReplacer)
	}
	if options.AutomaticEnv {
		v.AutomaticEnv()
	}
	v.AllowEmptyEnv(options.AllowEmptyEnv)
	return v
}

func unmarshalAndValidate[T any](v *viper.Viper) (*T, error) {
	cfg := new(T)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnmarshal, err)
	}
	if validator, ok := any(cfg).(Validatable); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return cfg, nil
}
