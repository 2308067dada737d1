package channel

import (
	"context"
	"encoding/json"
)

// Envelope 跨节点广播的消息信封
type Envelope struct {
	NodeID  string          `json:"node_id"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Backend 成员关系与计数的存储，以及跨节点广播
// 本地实现只服务单进程；复制实现让多个节点共享计数与广播
type Backend interface {
	// SubscribeToApp 应用连接数 +1
	SubscribeToApp(ctx context.Context, appID string) error
	// UnsubscribeFromApp 应用连接数 -1
	UnsubscribeFromApp(ctx context.Context, appID string) error

	AddConnection(ctx context.Context, appID, channel, socketID string) error
	RemoveConnection(ctx context.Context, appID, channel, socketID string) error

	// AddMember 记录 presence 成员连接，first 表示该用户在全局范围内的第一个连接
	AddMember(ctx context.Context, appID, channel, socketID string, m Member) (first bool, err error)
	// RemoveMember 移除 presence 成员连接，last 表示该用户在全局范围内已无连接
	RemoveMember(ctx context.Context, appID, channel, socketID, userID string) (last bool, err error)

	// ConnectionsCount channel 为空时返回整个应用的连接数
	ConnectionsCount(ctx context.Context, appID, channel string) (int, error)
	// Channels 返回有订阅的频道及其订阅数
	Channels(ctx context.Context, appID string) (map[string]int, error)
	Members(ctx context.Context, appID, channel string) ([]Member, error)
	MemberSockets(ctx context.Context, appID, channel, userID string) ([]string, error)

	// Publish 把广播发往其它节点
	Publish(ctx context.Context, env Envelope) error
	// Listen 阻塞接收其它节点的广播直到 ctx 结束
	Listen(ctx context.Context, handler func(Envelope)) error

	Close() error
}
