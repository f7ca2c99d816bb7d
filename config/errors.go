package config

import "errors"

// 预定义错误.
var (
	// ErrFileNotFound 配置文件不存在.
	ErrFileNotFound = errors.New("config: file not found")

	// ErrInvalidType 不支持的配置文件类型.
	ErrInvalidType = errors.New("config: unsupported file type")

	// ErrReadConfig 读取配置失败.
	ErrReadConfig = errors.New("config: read failed")

	// ErrUnmarshal 解析配置失败.
	ErrUnmarshal = errors.New("config: unmarshal failed")

	// ErrValidation 配置验证失败.
	ErrValidation = errors.New("config: validation failed")
)
