// Package pusher implements the per-connection Pusher protocol state machine:
// connection admission, subscribe/unsubscribe, ping, client events and close
// handling on top of the channel manager and the statistics collector.
package pusher

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/channel"
	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/protocol"
	"github.com/tokmz/beacon/pkg/stats"
	"github.com/tokmz/beacon/pkg/tracing"
)

// Connection 客户端连接
type Connection interface {
	channel.Connection
	Close()
}

// OpenRequest 建立连接时的请求信息
type OpenRequest struct {
	AppKey string
	Origin string
}

// AppStore 应用查找
type AppStore interface {
	FindByKey(key string) (*apps.App, error)
	FindByID(id string) (*apps.App, error)
}

// FallbackFunc 处理非协议内置、非客户端事件的消息
type FallbackFunc func(ctx context.Context, conn Connection, app *apps.App, msg protocol.Other)

type session struct {
	conn  Connection
	appID string
}

// Server 协议分发器
type Server struct {
	apps     AppStore
	manager  *channel.Manager
	stats    stats.Collector
	log      logger.Logger
	fallback FallbackFunc

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option 分发器选项
type Option func(*Server)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithFallback 设置其它事件的处理函数，未设置时忽略
func WithFallback(fn FallbackFunc) Option {
	return func(s *Server) { s.fallback = fn }
}

// New 创建分发器
func New(store AppStore, manager *channel.Manager, collector stats.Collector, opts ...Option) *Server {
	s := &Server{
		apps:     store,
		manager:  manager,
		stats:    collector,
		log:      logger.NewNop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnOpen 连接准入：校验应用、来源与容量，成功后发送 connection_established
// 拒绝时先发送 pusher:error 再关闭连接，并返回对应错误
func (s *Server) OnOpen(ctx context.Context, conn Connection, req OpenRequest) error {
	ctx, span := tracing.StartSpan(ctx, "pusher.open", trace.WithAttributes(
		tracing.AttrSocketID.String(conn.SocketID()),
	))
	defer span.End()

	err := s.open(ctx, conn, req)
	if err != nil {
		tracing.RecordError(span, err)
		s.log.InfoContext(ctx, "connection rejected",
			zap.String("socket_id", conn.SocketID()),
			zap.String("app_key", req.AppKey),
			zap.Error(err),
		)
		s.reject(conn, err)
	}
	return err
}

func (s *Server) open(ctx context.Context, conn Connection, req OpenRequest) error {
	app, err := s.apps.FindByKey(req.AppKey)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(tracing.AttrAppID.String(app.ID))

	if !app.OriginAllowed(req.Origin) {
		return ErrOriginNotAllowed
	}
	if app.Capacity > 0 {
		n, err := s.manager.ConnectionsCount(ctx, app.ID, "")
		if err != nil {
			s.log.WarnContext(ctx, "global connection count failed, using local count",
				zap.String("app_id", app.ID), zap.Error(err))
			n = s.manager.LocalConnectionsCount(app.ID)
		}
		if n >= app.Capacity {
			return ErrOverCapacity
		}
	}

	if err := s.manager.Connect(ctx, app.ID, conn); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[conn.SocketID()] = &session{conn: conn, appID: app.ID}
	s.mu.Unlock()

	s.stats.NewConnection(ctx, app.ID)
	if err := conn.Send(protocol.ConnectionEstablished(conn.SocketID())); err != nil {
		s.log.DebugContext(ctx, "send connection_established failed",
			zap.String("socket_id", conn.SocketID()), zap.Error(err))
	}
	return nil
}

func (s *Server) reject(conn Connection, err error) {
	_ = conn.Send(protocol.Error(errors.CodeOf(err, 4200), messageOf(err)))
	conn.Close()
}

func messageOf(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func (s *Server) session(socketID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[socketID]
}

// Sessions 当前已准入的连接数
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// OnMessage 解析并分发一帧消息
// 无法解析时返回 protocol.ErrMalformedMessage，不修改任何状态
// 订阅被拒绝时返回对应错误（如 channel.ErrInvalidSignature），连接不会因此关闭
func (s *Server) OnMessage(ctx context.Context, conn Connection, data []byte) error {
	sess := s.session(conn.SocketID())
	if sess == nil {
		return ErrUnknownSocket
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		s.log.DebugContext(ctx, "malformed message dropped",
			zap.String("socket_id", conn.SocketID()), zap.Error(err))
		return err
	}
	s.stats.WebSocketMessage(ctx, sess.appID)

	ctx, span := tracing.StartSpan(ctx, spanName(msg), trace.WithAttributes(
		tracing.AttrAppID.String(sess.appID),
		tracing.AttrSocketID.String(conn.SocketID()),
	))
	defer span.End()

	switch m := msg.(type) {
	case protocol.Ping:
		err = conn.Send(protocol.Pong())
	case protocol.Subscribe:
		span.SetAttributes(tracing.AttrChannel.String(m.Channel))
		err = s.subscribe(ctx, sess, m)
	case protocol.Unsubscribe:
		span.SetAttributes(tracing.AttrChannel.String(m.Channel))
		err = s.unsubscribe(ctx, sess, m)
	case protocol.ClientEvent:
		span.SetAttributes(tracing.AttrChannel.String(m.Channel), tracing.AttrEvent.String(m.Event))
		err = s.clientEvent(ctx, sess, m)
	case protocol.Other:
		span.SetAttributes(tracing.AttrEvent.String(m.Event))
		s.other(ctx, sess, m)
	}
	tracing.RecordError(span, err)
	return err
}

func spanName(msg protocol.Inbound) string {
	switch msg.(type) {
	case protocol.Ping:
		return "pusher.ping"
	case protocol.Subscribe:
		return "pusher.subscribe"
	case protocol.Unsubscribe:
		return "pusher.unsubscribe"
	case protocol.ClientEvent:
		return "pusher.client_event"
	default:
		return "pusher.other"
	}
}

func toProtocol(members []channel.Member) []protocol.Member {
	out := make([]protocol.Member, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.Member{UserID: m.UserID, UserInfo: m.UserInfo})
	}
	return out
}

// subscribe 订阅失败时回复 pusher:error 并返回原因，连接保持打开
func (s *Server) subscribe(ctx context.Context, sess *session, m protocol.Subscribe) error {
	res, err := s.manager.Subscribe(ctx, sess.appID, sess.conn, m.Channel, m.Auth, m.ChannelData)
	if err != nil {
		s.log.InfoContext(ctx, "subscribe rejected",
			zap.String("app_id", sess.appID),
			zap.String("socket_id", sess.conn.SocketID()),
			zap.String("channel", m.Channel),
			zap.Error(err),
		)
		if sendErr := sess.conn.Send(protocol.Error(errors.CodeOf(err, 4009), messageOf(err))); sendErr != nil {
			s.log.DebugContext(ctx, "send subscribe error failed",
				zap.String("socket_id", sess.conn.SocketID()), zap.Error(sendErr))
		}
		return err
	}

	if res.Kind == channel.Presence {
		err = sess.conn.Send(protocol.PresenceSucceeded(m.Channel, toProtocol(res.Members)))
	} else {
		err = sess.conn.Send(protocol.SubscriptionSucceeded(m.Channel))
	}
	if err != nil {
		s.log.DebugContext(ctx, "send subscription_succeeded failed",
			zap.String("socket_id", sess.conn.SocketID()), zap.Error(err))
	}

	if res.IsNewMember {
		added := protocol.MemberAdded(m.Channel, protocol.Member{UserID: res.Member.UserID, UserInfo: res.Member.UserInfo})
		// 新成员通过快照看到其它成员，自身不接收 member_added
		if err := s.manager.Broadcast(ctx, sess.appID, m.Channel, added, sess.conn.SocketID()); err != nil {
			s.log.WarnContext(ctx, "publish member_added failed",
				zap.String("app_id", sess.appID), zap.String("channel", m.Channel), zap.Error(err))
		}
	}
	return nil
}

func (s *Server) unsubscribe(ctx context.Context, sess *session, m protocol.Unsubscribe) error {
	res, err := s.manager.Unsubscribe(ctx, sess.appID, sess.conn, m.Channel)
	if err != nil {
		return err
	}
	if res.Removed {
		removed := protocol.MemberRemoved(m.Channel, res.RemovedMember)
		if err := s.manager.Broadcast(ctx, sess.appID, m.Channel, removed, ""); err != nil {
			s.log.WarnContext(ctx, "publish member_removed failed",
				zap.String("app_id", sess.appID), zap.String("channel", m.Channel), zap.Error(err))
		}
	}
	return nil
}

// clientEvent 应用开启 enable_client_messages 且连接已订阅目标频道时，原样转发给其它成员
// 不满足条件时静默丢弃
func (s *Server) clientEvent(ctx context.Context, sess *session, m protocol.ClientEvent) error {
	if err := s.allowClientEvent(sess, m); err != nil {
		s.log.DebugContext(ctx, "client event dropped",
			zap.String("app_id", sess.appID),
			zap.String("socket_id", sess.conn.SocketID()),
			zap.String("event", m.Event),
			zap.String("channel", m.Channel),
			zap.Error(err),
		)
		return nil
	}
	if err := s.manager.Broadcast(ctx, sess.appID, m.Channel, m.Raw, sess.conn.SocketID()); err != nil {
		s.log.WarnContext(ctx, "publish client event failed",
			zap.String("app_id", sess.appID), zap.String("channel", m.Channel), zap.Error(err))
	}
	return nil
}

func (s *Server) allowClientEvent(sess *session, m protocol.ClientEvent) error {
	// 每次重新查找，配置热更新后立即生效
	app, err := s.apps.FindByID(sess.appID)
	if err != nil {
		return err
	}
	if !app.EnableClientMessages {
		return ErrPolicyDenied.WithMessage("client messages disabled")
	}
	if m.Channel == "" || !s.manager.IsSubscribed(sess.conn.SocketID(), m.Channel) {
		return ErrPolicyDenied.WithMessage("not subscribed to channel")
	}
	return nil
}

func (s *Server) other(ctx context.Context, sess *session, m protocol.Other) {
	if s.fallback == nil {
		s.log.DebugContext(ctx, "unhandled event ignored",
			zap.String("socket_id", sess.conn.SocketID()), zap.String("event", m.Event))
		return
	}
	app, err := s.apps.FindByID(sess.appID)
	if err != nil {
		return
	}
	s.fallback(ctx, sess.conn, app, m)
}

// OnClose 连接关闭：退出所有频道并更新连接统计
// 未准入或已处理过的连接直接返回
func (s *Server) OnClose(ctx context.Context, conn Connection) {
	s.mu.Lock()
	sess, ok := s.sessions[conn.SocketID()]
	delete(s.sessions, conn.SocketID())
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "pusher.close", trace.WithAttributes(
		tracing.AttrAppID.String(sess.appID),
		tracing.AttrSocketID.String(conn.SocketID()),
	))
	defer span.End()

	s.manager.OnConnectionClosed(ctx, conn)
	s.stats.NewDisconnection(ctx, sess.appID)
}
