package orm

import (
	"fmt"
	"time"
)

// DBType 数据库类型
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType `mapstructure:"type"` // mysql, postgres, sqlite, sqlserver
	DSN  string `mapstructure:"dsn"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	PrepareStmt   bool          `mapstructure:"prepare_stmt"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"` // 慢查询阈值
	TablePrefix   string        `mapstructure:"table_prefix"`
	EnableTracing bool          `mapstructure:"enable_tracing"`

	// 读写分离配置（可选）
	ReadWriteSplit *ReadWriteSplitConfig `mapstructure:"read_write_split"`
}

// ReadWriteSplitConfig 读写分离配置
type ReadWriteSplitConfig struct {
	Sources []string `mapstructure:"sources"` // 从库 DSN 列表（只读）
	Policy  string   `mapstructure:"policy"`  // random, round_robin
}

// DefaultConfig 返回默认配置（本地 sqlite 文件）
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		DSN:             "beacon.db",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		SlowThreshold:   200 * time.Millisecond,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Type {
	case MySQL, PostgreSQL, SQLite, SQLServer:
	default:
		return fmt.Errorf("unsupported database type: %q", c.Type)
	}
	if c.DSN == "" {
		return fmt.Errorf("DSN is required")
	}
	if c.ReadWriteSplit != nil && len(c.ReadWriteSplit.Sources) == 0 {
		return fmt.Errorf("read-write split enabled but no sources provided")
	}
	return nil
}
