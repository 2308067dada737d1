package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Redis 基于 redis pub/sub 的总线
type Redis struct {
	client redis.UniversalClient
	topic  string
}

// NewRedis 创建 redis 总线，客户端由调用方管理
func NewRedis(client redis.UniversalClient, topic string) *Redis {
	return &Redis{client: client, topic: topic}
}

// Publish 发布消息
func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.topic, payload).Err()
}

// Subscribe 订阅频道，阻塞直到 ctx 结束
func (r *Redis) Subscribe(ctx context.Context, handler func([]byte)) error {
	ps := r.client.Subscribe(ctx, r.topic)
	defer ps.Close()

	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Close 客户端不归总线所有，无需关闭
func (r *Redis) Close() error {
	return nil
}
