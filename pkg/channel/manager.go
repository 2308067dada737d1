package channel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/protocol"
	"github.com/tokmz/beacon/pkg/signature"
	"github.com/tokmz/beacon/pkg/tracing"
)

// AppFinder 按 id 查找应用
type AppFinder interface {
	FindByID(id string) (*apps.App, error)
}

// SubscribeResult 订阅结果
type SubscribeResult struct {
	Kind Kind
	// Members presence 频道的成员快照
	Members []Member
	// Member 本次订阅的成员身份
	Member Member
	// IsNewMember 该用户的第一个连接，调用方需广播 member_added
	IsNewMember bool
}

// UnsubscribeResult 退订结果
type UnsubscribeResult struct {
	// RemovedMember 最后一个连接离开的用户，调用方需广播 member_removed
	RemovedMember string
	Removed       bool
}

type socketState struct {
	mu       sync.Mutex
	conn     Connection
	appID    string
	channels map[string]struct{}
	closed   bool
}

// Manager 频道管理器
type Manager struct {
	backend Backend
	apps    AppFinder
	log     logger.Logger
	timeout time.Duration

	mu       sync.RWMutex
	channels map[string]map[string]*Channel // appID -> name -> channel
	sockets  map[string]*socketState

	// 合并查询 API 的并发相同请求，订阅路径不经过这里
	queries singleflight.Group
}

// Option 管理器选项
type Option func(*Manager)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithTimeout 设置后端调用超时，默认 2s
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager 创建管理器
func NewManager(backend Backend, finder AppFinder, opts ...Option) *Manager {
	m := &Manager{
		backend:  backend,
		apps:     finder,
		log:      logger.NewNop(),
		timeout:  2 * time.Second,
		channels: make(map[string]map[string]*Channel),
		sockets:  make(map[string]*socketState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// Connect 登记连接
func (m *Manager) Connect(ctx context.Context, appID string, conn Connection) error {
	id := conn.SocketID()
	m.mu.Lock()
	if _, ok := m.sockets[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("socket %s already connected", id)
	}
	m.sockets[id] = &socketState{conn: conn, appID: appID, channels: make(map[string]struct{})}
	m.mu.Unlock()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.backend.SubscribeToApp(ctx, appID); err != nil {
		m.log.WarnContext(ctx, "backend subscribe to app failed", zap.String("app_id", appID), zap.Error(err))
	}
	return nil
}

func (m *Manager) socket(id string) *socketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sockets[id]
}

// Channel 返回本节点上的频道
func (m *Manager) Channel(appID, name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[appID][name]
	return ch, ok
}

// findOrCreate 按名称前缀创建对应类型的频道
func (m *Manager) findOrCreate(appID, name string) *Channel {
	if ch, ok := m.Channel(appID, name); ok {
		return ch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.channels[appID]
	if !ok {
		byName = make(map[string]*Channel)
		m.channels[appID] = byName
	}
	ch, ok := byName[name]
	if !ok {
		ch = newChannel(appID, name, m.log)
		byName[name] = ch
	}
	return ch
}

// lockChannel 取得频道并持有其 serial 锁，跳过已被移除的频道
func (m *Manager) lockChannel(appID, name string) *Channel {
	for {
		ch := m.findOrCreate(appID, name)
		ch.serial.Lock()
		if !ch.removed {
			return ch
		}
		ch.serial.Unlock()
	}
}

// dropIfEmpty 在持有 serial 时调用
func (m *Manager) dropIfEmpty(ch *Channel) {
	if !ch.IsEmpty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if byName, ok := m.channels[ch.appID]; ok && byName[ch.name] == ch {
		delete(byName, ch.name)
		if len(byName) == 0 {
			delete(m.channels, ch.appID)
		}
	}
	ch.removed = true
}

// authorize 校验频道名与签名，返回 presence 成员身份
func (m *Manager) authorize(appID, socketID, name, auth, channelData string) (Member, error) {
	if err := ValidName(name); err != nil {
		return Member{}, err
	}
	kind := KindOf(name)
	if !kind.RequiresAuth() {
		return Member{}, nil
	}

	app, err := m.apps.FindByID(appID)
	if err != nil {
		return Member{}, err
	}
	signed := ""
	if kind == Presence {
		signed = channelData
	}
	if err := signature.Verify(app.Secret, socketID, name, signed, auth); err != nil {
		return Member{}, err
	}
	if kind != Presence {
		return Member{}, nil
	}

	cd, err := protocol.ParseChannelData(channelData)
	if err != nil {
		return Member{}, fmt.Errorf("%w: %w", ErrInvalidChannelData, err)
	}
	return Member{UserID: cd.UserID, UserInfo: cd.UserInfo}, nil
}

// Subscribe 校验并订阅频道
// 签名失败时不创建频道也不登记连接
func (m *Manager) Subscribe(ctx context.Context, appID string, conn Connection, name, auth, channelData string) (*SubscribeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "channel.subscribe", trace.WithAttributes(
		tracing.AttrAppID.String(appID),
		tracing.AttrSocketID.String(conn.SocketID()),
		tracing.AttrChannel.String(name),
	))
	defer span.End()

	res, err := m.subscribe(ctx, appID, conn, name, auth, channelData)
	tracing.RecordError(span, err)
	return res, err
}

func (m *Manager) subscribe(ctx context.Context, appID string, conn Connection, name, auth, channelData string) (*SubscribeResult, error) {
	member, err := m.authorize(appID, conn.SocketID(), name, auth, channelData)
	if err != nil {
		return nil, err
	}

	st := m.socket(conn.SocketID())
	if st == nil {
		return nil, ErrConnectionClosed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrConnectionClosed
	}

	ch := m.lockChannel(appID, name)
	defer ch.serial.Unlock()

	bctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res := &SubscribeResult{Kind: ch.kind}
	fields := []zap.Field{zap.String("app_id", appID), zap.String("channel", name), zap.String("socket_id", conn.SocketID())}

	if ch.kind != Presence {
		if ch.Subscribe(conn) {
			if err := m.backend.AddConnection(bctx, appID, name, conn.SocketID()); err != nil {
				m.log.WarnContext(ctx, "backend add connection failed", append(fields, zap.Error(err))...)
			}
		}
		st.channels[name] = struct{}{}
		return res, nil
	}

	added, isNew := ch.SubscribePresence(conn, member)
	if added {
		if err := m.backend.AddConnection(bctx, appID, name, conn.SocketID()); err != nil {
			m.log.WarnContext(ctx, "backend add connection failed", append(fields, zap.Error(err))...)
		}
		first, err := m.backend.AddMember(bctx, appID, name, conn.SocketID(), member)
		if err != nil {
			m.log.WarnContext(ctx, "backend add member failed", append(fields, zap.Error(err))...)
			first = true
		}
		res.IsNewMember = isNew && first
	}
	st.channels[name] = struct{}{}

	if uid, ok := ch.UserOf(conn.SocketID()); ok {
		member.UserID = uid
	}
	res.Member = member

	members, err := m.backend.Members(bctx, appID, name)
	if err != nil {
		m.log.WarnContext(ctx, "backend members failed, using local snapshot", append(fields, zap.Error(err))...)
		members = ch.Members()
	}
	res.Members = members
	return res, nil
}

// Unsubscribe 退订频道，未订阅时为空操作
func (m *Manager) Unsubscribe(ctx context.Context, appID string, conn Connection, name string) (*UnsubscribeResult, error) {
	st := m.socket(conn.SocketID())
	if st == nil {
		return &UnsubscribeResult{}, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	res := m.leave(ctx, appID, conn, name)
	delete(st.channels, name)
	return res, nil
}

// leave 在持有 socket 锁时调用
func (m *Manager) leave(ctx context.Context, appID string, conn Connection, name string) *UnsubscribeResult {
	res := &UnsubscribeResult{}
	ch, ok := m.Channel(appID, name)
	if !ok {
		return res
	}
	ch.serial.Lock()
	defer ch.serial.Unlock()
	if ch.removed {
		return res
	}

	bctx, cancel := m.withTimeout(ctx)
	defer cancel()
	fields := []zap.Field{zap.String("app_id", appID), zap.String("channel", name), zap.String("socket_id", conn.SocketID())}

	if ch.kind != Presence {
		if ch.Unsubscribe(conn) {
			if err := m.backend.RemoveConnection(bctx, appID, name, conn.SocketID()); err != nil {
				m.log.WarnContext(ctx, "backend remove connection failed", append(fields, zap.Error(err))...)
			}
		}
		m.dropIfEmpty(ch)
		return res
	}

	userID, lastLocal := ch.UnsubscribePresence(conn)
	if userID != "" {
		if err := m.backend.RemoveConnection(bctx, appID, name, conn.SocketID()); err != nil {
			m.log.WarnContext(ctx, "backend remove connection failed", append(fields, zap.Error(err))...)
		}
		last, err := m.backend.RemoveMember(bctx, appID, name, conn.SocketID(), userID)
		if err != nil {
			m.log.WarnContext(ctx, "backend remove member failed", append(fields, zap.Error(err))...)
			last = true
		}
		if lastLocal && last {
			res.RemovedMember = userID
			res.Removed = true
		}
	}
	m.dropIfEmpty(ch)
	return res
}

// OnConnectionClosed 对连接订阅过的每个频道执行退订，并广播 member_removed
// 未登记或已处理过的连接直接返回
func (m *Manager) OnConnectionClosed(ctx context.Context, conn Connection) {
	m.mu.Lock()
	st, ok := m.sockets[conn.SocketID()]
	delete(m.sockets, conn.SocketID())
	m.mu.Unlock()
	if !ok {
		return
	}

	type removal struct{ channel, userID string }
	var removals []removal

	st.mu.Lock()
	st.closed = true
	for name := range st.channels {
		if res := m.leave(ctx, st.appID, conn, name); res.Removed {
			removals = append(removals, removal{name, res.RemovedMember})
		}
	}
	st.channels = nil
	st.mu.Unlock()

	for _, r := range removals {
		if err := m.Broadcast(ctx, st.appID, r.channel, protocol.MemberRemoved(r.channel, r.userID), ""); err != nil {
			m.log.WarnContext(ctx, "publish member_removed failed", zap.String("app_id", st.appID), zap.String("channel", r.channel), zap.Error(err))
		}
	}

	bctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.backend.UnsubscribeFromApp(bctx, st.appID); err != nil {
		m.log.WarnContext(ctx, "backend unsubscribe from app failed", zap.String("app_id", st.appID), zap.Error(err))
	}
}

// IsSubscribed 连接是否订阅了频道
func (m *Manager) IsSubscribed(socketID, name string) bool {
	st := m.socket(socketID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.channels[name]
	return ok
}

// Broadcast 投递给本地连接，并发布给其它节点
// 发布失败不影响本地投递，返回 ErrBackendUnavailable
func (m *Manager) Broadcast(ctx context.Context, appID, name string, payload []byte, except string) error {
	ctx, span := tracing.StartSpan(ctx, "channel.broadcast", trace.WithAttributes(
		tracing.AttrAppID.String(appID),
		tracing.AttrChannel.String(name),
	))
	defer span.End()

	m.deliver(appID, name, payload, except)

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.backend.Publish(ctx, Envelope{AppID: appID, Channel: name, Except: except, Payload: payload}); err != nil {
		err = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

func (m *Manager) deliver(appID, name string, payload []byte, except string) {
	if ch, ok := m.Channel(appID, name); ok {
		ch.Broadcast(payload, except)
	}
}

// Run 接收其它节点的广播并投递给本地连接，阻塞直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	return m.backend.Listen(ctx, func(env Envelope) {
		m.deliver(env.AppID, env.Channel, env.Payload, env.Except)
	})
}

// Close 关闭后端
func (m *Manager) Close() error {
	return m.backend.Close()
}

func backendErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// shared 合并并发的相同查询
// 共享调用使用独立的超时 context，单个调用方取消只影响它自己
func shared[T any](ctx context.Context, m *Manager, key string, fn func(context.Context) (T, error)) (T, error) {
	ch := m.queries.DoChan(key, func() (any, error) {
		qctx, cancel := m.withTimeout(context.WithoutCancel(ctx))
		defer cancel()
		return fn(qctx)
	})
	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, backendErr(res.Err)
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, backendErr(ctx.Err())
	}
}

// ConnectionsCount 直接读取全部节点上的连接数，channel 为空时统计整个应用
func (m *Manager) ConnectionsCount(ctx context.Context, appID, name string) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	n, err := m.backend.ConnectionsCount(ctx, appID, name)
	return n, backendErr(err)
}

// GlobalConnectionsCount 查询 API 使用的连接数，并发的相同查询共享一次读取
func (m *Manager) GlobalConnectionsCount(ctx context.Context, appID, name string) (int, error) {
	return shared(ctx, m, "count:"+appID+":"+name, func(ctx context.Context) (int, error) {
		return m.backend.ConnectionsCount(ctx, appID, name)
	})
}

// LocalConnections 本节点上的全部连接
func (m *Manager) LocalConnections() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.sockets))
	for _, st := range m.sockets {
		out = append(out, st.conn)
	}
	return out
}

// LocalConnectionsCount 本节点上某应用的连接数
func (m *Manager) LocalConnectionsCount(appID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.sockets {
		if st.appID == appID {
			n++
		}
	}
	return n
}

// ChannelMembers presence 频道成员
func (m *Manager) ChannelMembers(ctx context.Context, appID, name string) ([]Member, error) {
	members, err := shared(ctx, m, "members:"+appID+":"+name, func(ctx context.Context) ([]Member, error) {
		return m.backend.Members(ctx, appID, name)
	})
	return slices.Clone(members), err
}

// MemberSockets 用户在 presence 频道上的全部连接
func (m *Manager) MemberSockets(ctx context.Context, appID, name, userID string) ([]string, error) {
	sockets, err := shared(ctx, m, "sockets:"+appID+":"+name+":"+userID, func(ctx context.Context) ([]string, error) {
		return m.backend.MemberSockets(ctx, appID, name, userID)
	})
	return slices.Clone(sockets), err
}

// Channels 有订阅的频道及订阅数
func (m *Manager) Channels(ctx context.Context, appID string) (map[string]int, error) {
	channels, err := shared(ctx, m, "channels:"+appID, func(ctx context.Context) (map[string]int, error) {
		return m.backend.Channels(ctx, appID)
	})
	return maps.Clone(channels), err
}
