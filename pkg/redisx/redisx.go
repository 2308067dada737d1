// Package redisx builds go-redis clients for standalone, cluster and sentinel
// deployments from one configuration shape.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokmz/beacon/pkg/errors"
)

// Mode Redis 部署模式
type Mode string

const (
	Standalone Mode = "standalone"
	Cluster    Mode = "cluster"
	Sentinel   Mode = "sentinel"
)

var (
	// ErrInvalidConfig 配置错误
	ErrInvalidConfig = errors.New(3101, 500, "redis invalid config")
	// ErrConnection 连接失败
	ErrConnection = errors.New(3102, 503, "redis connection failed")
)

// Config Redis 配置
type Config struct {
	Mode         Mode          `mapstructure:"mode"`
	Addr         string        `mapstructure:"addr"`  // 单机地址
	Addrs        []string      `mapstructure:"addrs"` // 集群/哨兵地址
	MasterName   string        `mapstructure:"master_name"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode:         Standalone,
		Addr:         "localhost:6379",
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Mode {
	case Standalone, "":
		if c.Addr == "" {
			return fmt.Errorf("%w: standalone mode requires addr", ErrInvalidConfig)
		}
	case Cluster:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("%w: cluster mode requires addrs", ErrInvalidConfig)
		}
	case Sentinel:
		if len(c.Addrs) == 0 || c.MasterName == "" {
			return fmt.Errorf("%w: sentinel mode requires addrs and master_name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported redis mode %q", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// New 创建客户端并 Ping 验证连通性
func New(ctx context.Context, cfg *Config) (redis.UniversalClient, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	switch cfg.Mode {
	case Cluster:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case Sentinel:
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return client, nil
}
