package beacon

import (
	"context"
	"fmt"

	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/protocol"
	"github.com/tokmz/beacon/pkg/pusher"
	"github.com/tokmz/beacon/pkg/ws"
)

// 升级时写入客户端元数据的键
const (
	metaAppKey = "app_key"
	metaOrigin = "origin"
)

// bridge 把 ws 传输层回调转交给协议分发器
type bridge struct {
	server *pusher.Server
}

func (b *bridge) OnOpen(ctx context.Context, c *ws.Client) error {
	return b.server.OnOpen(ctx, c, pusher.OpenRequest{
		AppKey: c.MetadataString(metaAppKey),
		Origin: c.MetadataString(metaOrigin),
	})
}

// OnMessage 无法解析的帧计入连续无效消息
func (b *bridge) OnMessage(ctx context.Context, c *ws.Client, data []byte) error {
	err := b.server.OnMessage(ctx, c, data)
	if errors.Is(err, protocol.ErrMalformedMessage) {
		return fmt.Errorf("%w: %w", ws.ErrInvalidMessage, err)
	}
	return err
}

func (b *bridge) OnClose(ctx context.Context, c *ws.Client) {
	b.server.OnClose(ctx, c)
}
