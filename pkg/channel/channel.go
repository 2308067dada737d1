package channel

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// Connection 频道持有的连接能力
type Connection interface {
	SocketID() string
	Send(payload []byte) error
}

// Member presence 频道成员
type Member struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type presenceUser struct {
	info    json.RawMessage
	sockets map[string]struct{}
}

// Channel 单个应用下的一个频道
// 状态读写受 mu 保护；serial 由 Manager 持有，用于串行化包含后端调用在内的整个变更过程
type Channel struct {
	appID string
	name  string
	kind  Kind
	log   logger.Logger

	serial  sync.Mutex
	removed bool // 已从注册表移除，持有 serial 时读写

	mu    sync.RWMutex
	conns map[string]Connection

	// presence
	users      map[string]*presenceUser
	order      []string          // 成员加入顺序
	socketUser map[string]string // socketID -> userID
}

func newChannel(appID, name string, log logger.Logger) *Channel {
	c := &Channel{
		appID: appID,
		name:  name,
		kind:  KindOf(name),
		log:   log,
		conns: make(map[string]Connection),
	}
	if c.kind == Presence {
		c.users = make(map[string]*presenceUser)
		c.socketUser = make(map[string]string)
	}
	return c
}

// Name 频道名
func (c *Channel) Name() string { return c.name }

// AppID 所属应用
func (c *Channel) AppID() string { return c.appID }

// Kind 频道类型
func (c *Channel) Kind() Kind { return c.kind }

// Subscribe 幂等加入，返回是否新加入
func (c *Channel) Subscribe(conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := conn.SocketID()
	if _, ok := c.conns[id]; ok {
		return false
	}
	c.conns[id] = conn
	return true
}

// Unsubscribe 幂等移除，返回是否确实移除
func (c *Channel) Unsubscribe(conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(conn.SocketID())
}

func (c *Channel) removeLocked(socketID string) bool {
	if _, ok := c.conns[socketID]; !ok {
		return false
	}
	delete(c.conns, socketID)
	return true
}

// SubscribePresence 以 user 身份加入 presence 频道
// added 表示该连接此前不在频道内；isNew 表示该用户此前没有任何连接
// 同一用户的后续连接会覆盖 user_info
func (c *Channel) SubscribePresence(conn Connection, m Member) (added, isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := conn.SocketID()
	if _, ok := c.conns[id]; ok {
		return false, false
	}
	c.conns[id] = conn

	u, ok := c.users[m.UserID]
	if !ok {
		u = &presenceUser{sockets: make(map[string]struct{})}
		c.users[m.UserID] = u
		c.order = append(c.order, m.UserID)
	}
	u.info = m.UserInfo
	u.sockets[id] = struct{}{}
	c.socketUser[id] = m.UserID
	return true, len(u.sockets) == 1
}

// UnsubscribePresence 移除连接；当该用户最后一个连接离开时返回其 userID 与 true
func (c *Channel) UnsubscribePresence(conn Connection) (userID string, removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := conn.SocketID()
	if !c.removeLocked(id) {
		return "", false
	}
	userID, ok := c.socketUser[id]
	if !ok {
		return "", false
	}
	delete(c.socketUser, id)

	u := c.users[userID]
	delete(u.sockets, id)
	if len(u.sockets) > 0 {
		return userID, false
	}
	delete(c.users, userID)
	for i, uid := range c.order {
		if uid == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return userID, true
}

// UserOf 连接对应的 presence 用户
func (c *Channel) UserOf(socketID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uid, ok := c.socketUser[socketID]
	return uid, ok
}

// Members 按加入顺序返回成员，每个用户一条
func (c *Channel) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Member, 0, len(c.order))
	for _, uid := range c.order {
		out = append(out, Member{UserID: uid, UserInfo: c.users[uid].info})
	}
	return out
}

// MemberCount 成员数（去重后的用户数）
func (c *Channel) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

// MemberSockets 用户在本节点上的连接
func (c *Channel) MemberSockets(userID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(u.sockets))
	for id := range u.sockets {
		out = append(out, id)
	}
	return out
}

// Has 连接是否在频道内
func (c *Channel) Has(socketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conns[socketID]
	return ok
}

// ConnectionCount 本节点连接数
func (c *Channel) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// IsEmpty 频道是否为空
func (c *Channel) IsEmpty() bool {
	return c.ConnectionCount() == 0
}

// Broadcast 发送给除 except 外的所有本地连接
// 单个连接发送失败只记录日志，不影响其它连接
func (c *Channel) Broadcast(payload []byte, except string) int {
	c.mu.RLock()
	targets := make([]Connection, 0, len(c.conns))
	for id, conn := range c.conns {
		if id != except {
			targets = append(targets, conn)
		}
	}
	c.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			c.log.Debug("broadcast send failed",
				zap.String("app_id", c.appID),
				zap.String("channel", c.name),
				zap.String("socket_id", conn.SocketID()),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
