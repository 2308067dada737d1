package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Format 日志格式
type Format string

const (
	// JSONFormat JSON 格式（生产环境推荐）
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式（开发环境推荐）
	ConsoleFormat Format = "console"
)

// Config 日志配置，字段带 mapstructure 标签以便直接从配置文件解码
type Config struct {
	Level  string `mapstructure:"level"`  // 日志级别：debug/info/warn/error（默认 info）
	Format Format `mapstructure:"format"` // 日志格式：json/console（默认 json）

	Console bool          `mapstructure:"console"` // 是否输出到控制台
	File    string        `mapstructure:"file"`    // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig `mapstructure:"rotate"`  // 轮转配置（nil 则不轮转）

	Sampling *SamplingConfig `mapstructure:"sampling"` // 采样配置（nil 则不采样）

	DisableCaller     bool `mapstructure:"disable_caller"`
	DisableStacktrace bool `mapstructure:"disable_stacktrace"`

	EncoderConfig *zapcore.EncoderConfig `mapstructure:"-"`
	Hooks         []Hook                 `mapstructure:"-"`
}

// RotateConfig 文件轮转配置（lumberjack）
type RotateConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // MB，默认 100
	MaxAge     int    `mapstructure:"max_age"`     // 天，默认 30
	MaxBackups int    `mapstructure:"max_backups"` // 默认 10
	Compress   bool   `mapstructure:"compress"`
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int `mapstructure:"initial"`    // 每秒前 N 条必定记录
	Thereafter int `mapstructure:"thereafter"` // 之后每 M 条记录 1 条
}

// Hook 日志钩子，在每条日志写入前调用
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) error
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Format:  JSONFormat,
		Console: true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "" && c.Format != JSONFormat && c.Format != ConsoleFormat {
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	if c.Rotate != nil && c.Rotate.Filename == "" {
		return fmt.Errorf("rotate.filename is required when rotation is enabled")
	}
	return nil
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
	if c.Rotate != nil {
		if c.Rotate.MaxSize == 0 {
			c.Rotate.MaxSize = 100
		}
		if c.Rotate.MaxAge == 0 {
			c.Rotate.MaxAge = 30
		}
		if c.Rotate.MaxBackups == 0 {
			c.Rotate.MaxBackups = 10
		}
	}
	if c.Sampling != nil {
		if c.Sampling.Initial == 0 {
			c.Sampling.Initial = 100
		}
		if c.Sampling.Thereafter == 0 {
			c.Sampling.Thereafter = 100
		}
	}
}

// Level 日志级别
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// ParseLevel 解析级别字符串，空串视为 info
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
