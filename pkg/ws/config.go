package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/beacon/pkg/logger"
)

// Config WebSocket 配置
type Config struct {
	// 连接配置
	MaxConnections   int           `mapstructure:"max_connections"`   // 本节点最大连接数
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize  int           `mapstructure:"write_buffer_size"` // 写缓冲区大小
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // 握手超时时间
	MaxMessageSize   int64         `mapstructure:"max_message_size"`  // 最大消息大小

	// 心跳配置
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // ping 帧间隔
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`  // 无任何入站帧时断开
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`      // 单帧写超时

	// 消息配置
	MessageQueueSize   int `mapstructure:"message_queue_size"`   // 每个连接的发送队列大小
	MaxInvalidMessages int `mapstructure:"max_invalid_messages"` // 连续无效消息上限

	// Upgrader 配置
	EnableCompression bool     `mapstructure:"enable_compression"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"` // 为空时不在握手阶段校验 Origin

	Metrics Metrics       `mapstructure:"-"`
	Logger  logger.Logger `mapstructure:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:     10000,
		ReadBufferSize:     1024,
		WriteBufferSize:    1024,
		HandshakeTimeout:   10 * time.Second,
		MaxMessageSize:     10 * 1024, // Pusher 单条消息上限 10KB
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   120 * time.Second,
		WriteTimeout:       10 * time.Second,
		MessageQueueSize:   256,
		MaxInvalidMessages: 10,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidConfig)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout must be positive, got %v", ErrInvalidConfig, c.HandshakeTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max_message_size must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat_timeout (%v) must be greater than heartbeat_interval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive, got %v", ErrInvalidConfig, c.WriteTimeout)
	}
	if c.MessageQueueSize <= 0 {
		return fmt.Errorf("%w: message_queue_size must be positive, got %d", ErrInvalidConfig, c.MessageQueueSize)
	}
	if c.MaxInvalidMessages <= 0 {
		return fmt.Errorf("%w: max_invalid_messages must be positive, got %d", ErrInvalidConfig, c.MaxInvalidMessages)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMessageQueueSize 设置消息队列大小
func WithMessageQueueSize(size int) Option {
	return func(c *Config) {
		c.MessageQueueSize = size
	}
}

// WithMaxInvalidMessages 设置连续无效消息上限
func WithMaxInvalidMessages(n int) Option {
	return func(c *Config) {
		c.MaxInvalidMessages = n
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.AllowedOrigins = allowedOrigins
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// allowAllOrigins 应用级 Origin 由协议层按 allowed_origins 校验
func allowAllOrigins(*http.Request) bool { return true }

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	whitelist := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return allowAllOrigins
		}
		whitelist[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端不带 Origin
			return true
		}
		_, ok := whitelist[origin]
		return ok
	}
}

// newUpgrader 按配置创建 gorilla Upgrader
func newUpgrader(c *Config) *websocket.Upgrader {
	checkOrigin := allowAllOrigins
	if len(c.AllowedOrigins) > 0 {
		checkOrigin = createWhitelistChecker(c.AllowedOrigins)
	}

	return &websocket.Upgrader{
		HandshakeTimeout:  c.HandshakeTimeout,
		ReadBufferSize:    c.ReadBufferSize,
		WriteBufferSize:   c.WriteBufferSize,
		CheckOrigin:       checkOrigin,
		EnableCompression: c.EnableCompression,
	}
}
