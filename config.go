package beacon

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/broker"
	"github.com/tokmz/beacon/pkg/config"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/orm"
	"github.com/tokmz/beacon/pkg/redisx"
	"github.com/tokmz/beacon/pkg/tracing"
	"github.com/tokmz/beacon/pkg/ws"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	// Addr 监听地址，默认 ":6001"
	Addr string `mapstructure:"addr"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// ShutdownConfig 关机配置
type ShutdownConfig struct {
	// Timeout 关机超时时间，默认 10 秒
	Timeout time.Duration `mapstructure:"timeout"`

	// BeforeShutdown 关机前回调
	BeforeShutdown func() `mapstructure:"-"`

	// AfterShutdown 关机后回调
	AfterShutdown func() `mapstructure:"-"`
}

// 频道后端
const (
	ReplicationLocal = "local"
	ReplicationRedis = "redis"
)

// ReplicationConfig 多节点复制配置
type ReplicationConfig struct {
	// Driver local（单进程）或 redis（多节点共享计数，经 Bus 广播）
	Driver string `mapstructure:"driver"`
	// Prefix redis key 前缀
	Prefix string `mapstructure:"prefix"`
	// Timeout 跨节点查询超时
	Timeout time.Duration `mapstructure:"timeout"`

	Redis redisx.Config `mapstructure:"redis"`
	Bus   broker.Config `mapstructure:"bus"`
}

// 统计收集器
const (
	StatisticsMemory = "memory"
	StatisticsRedis  = "redis"
)

// StatisticsConfig 统计配置
type StatisticsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Driver memory 或 redis，redis 要求 replication.driver 为 redis
	Driver string `mapstructure:"driver"`
	// Interval 时间桶长度
	Interval time.Duration `mapstructure:"interval"`
	// Retention 历史记录保留时长，stats clean 默认按此清理
	Retention time.Duration `mapstructure:"retention"`
	// LockTTL redis 收集器的保存锁有效期
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// Config 服务配置
type Config struct {
	// Mode 运行模式：debug, release, test
	Mode string `mapstructure:"mode"`

	Server   ServerConfig   `mapstructure:"server"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// TrustedProxies 信任的代理 IP
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	WebSocket   ws.Config         `mapstructure:"websocket"`
	Apps        []apps.App        `mapstructure:"apps"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Statistics  StatisticsConfig  `mapstructure:"statistics"`
	Database    orm.Config        `mapstructure:"database"`
	Log         logger.Config     `mapstructure:"log"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode: gin.ReleaseMode,
		Server: ServerConfig{
			Addr:           ":6001",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1MB
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
		WebSocket: *ws.DefaultConfig(),
		Replication: ReplicationConfig{
			Driver:  ReplicationLocal,
			Prefix:  "beacon",
			Timeout: 2 * time.Second,
			Redis:   *redisx.DefaultConfig(),
			Bus:     *broker.DefaultConfig(),
		},
		Statistics: StatisticsConfig{
			Enabled:   true,
			Driver:    StatisticsMemory,
			Interval:  60 * time.Second,
			Retention: 60 * 24 * time.Hour,
			LockTTL:   30 * time.Second,
		},
		Database: *orm.DefaultConfig(),
		Log:      *logger.DefaultConfig(),
		Tracing:  *tracing.DefaultConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be > 0")
	}
	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	if err := apps.Validate(c.Apps); err != nil {
		return err
	}

	switch c.Replication.Driver {
	case ReplicationLocal:
	case ReplicationRedis:
		if err := c.Replication.Redis.Validate(); err != nil {
			return fmt.Errorf("replication.redis: %w", err)
		}
		if err := c.Replication.Bus.Validate(); err != nil {
			return fmt.Errorf("replication.bus: %w", err)
		}
	default:
		return fmt.Errorf("replication.driver: unsupported %q", c.Replication.Driver)
	}

	if c.Statistics.Enabled {
		switch c.Statistics.Driver {
		case StatisticsMemory:
		case StatisticsRedis:
			if c.Replication.Driver != ReplicationRedis {
				return fmt.Errorf("statistics.driver redis requires replication.driver redis")
			}
		default:
			return fmt.Errorf("statistics.driver: unsupported %q", c.Statistics.Driver)
		}
		if c.Statistics.Interval <= 0 {
			return fmt.Errorf("statistics.interval must be > 0")
		}
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Tracing.Enabled {
		if err := c.Tracing.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig 在默认配置之上解码配置文件与环境变量并校验
func LoadConfig(loader *config.Config) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Option 配置选项函数
type Option func(*Engine)

// WithMode 设置运行模式
func WithMode(mode string) Option {
	return func(e *Engine) {
		e.config.Mode = mode
	}
}

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(e *Engine) {
		e.config.Server.Addr = addr
	}
}

// WithShutdownTimeout 设置关机超时时间
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.config.Shutdown.Timeout = timeout
	}
}

// WithBeforeShutdown 设置关机前回调
func WithBeforeShutdown(fn func()) Option {
	return func(e *Engine) {
		e.config.Shutdown.BeforeShutdown = fn
	}
}

// WithAfterShutdown 设置关机后回调
func WithAfterShutdown(fn func()) Option {
	return func(e *Engine) {
		e.config.Shutdown.AfterShutdown = fn
	}
}
