// Package broker provides the message buses that carry broadcasts between
// server nodes sharing the same applications.
package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tokmz/beacon/pkg/errors"
)

// Driver 总线类型
type Driver string

const (
	DriverRedis Driver = "redis"
	DriverAMQP  Driver = "amqp"
	DriverKafka Driver = "kafka"
)

var (
	// ErrInvalidConfig 配置错误
	ErrInvalidConfig = errors.New(5101, 500, "broker invalid config")
	// ErrClosed 总线已关闭
	ErrClosed = errors.New(5102, 503, "broker closed")
)

// Bus 广播总线：所有订阅者都会收到每一条消息
type Bus interface {
	// Publish 发布一条消息
	Publish(ctx context.Context, payload []byte) error
	// Subscribe 阻塞接收消息直到 ctx 结束
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	// Close 释放总线持有的连接
	Close() error
}

// AMQPConfig RabbitMQ 配置
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// Config 总线配置
type Config struct {
	Driver Driver      `mapstructure:"driver"`
	Topic  string      `mapstructure:"topic"` // redis 频道 / amqp exchange / kafka topic
	AMQP   AMQPConfig  `mapstructure:"amqp"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// DefaultConfig 默认使用 redis pub/sub
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverRedis,
		Topic:  "beacon.broadcast",
		Kafka:  KafkaConfig{ClientID: "beacon"},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	switch c.Driver {
	case DriverRedis:
	case DriverAMQP:
		if c.AMQP.URL == "" {
			return fmt.Errorf("%w: amqp.url is required", ErrInvalidConfig)
		}
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}

// New 按配置创建总线，redis 驱动复用传入的客户端
func New(cfg *Config, rdb redis.UniversalClient) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverAMQP:
		return DialAMQP(cfg.AMQP.URL, cfg.Topic)
	case DriverKafka:
		return DialKafka(cfg.Kafka.Brokers, cfg.Topic, cfg.Kafka.ClientID)
	default:
		if rdb == nil {
			return nil, fmt.Errorf("%w: redis driver requires a redis client", ErrInvalidConfig)
		}
		return NewRedis(rdb, cfg.Topic), nil
	}
}
