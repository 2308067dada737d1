package config

import "github.com/tokmz/beacon/pkg/errors"

var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New(3001, 500, "config file not found")
	// ErrConfigReadFailed 配置读取失败
	ErrConfigReadFailed = errors.New(3003, 500, "config read failed")
	// ErrConfigDecodeFailed 配置解码失败
	ErrConfigDecodeFailed = errors.New(3004, 500, "config decode failed")
)
