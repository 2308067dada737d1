package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/protocol"
)

// Handler 协议层回调，同一客户端的回调不会并发执行
type Handler interface {
	// OnOpen 返回错误时连接在发出已排队的帧后关闭，随后仍会调用 OnClose
	OnOpen(ctx context.Context, c *Client) error
	// OnMessage 返回 ErrInvalidMessage（或包装它）时计入连续无效消息
	OnMessage(ctx context.Context, c *Client, data []byte) error
	OnClose(ctx context.Context, c *Client)
}

// Client WebSocket 客户端
type Client struct {
	ID      string
	conn    *websocket.Conn
	manager *Manager

	// 发送队列
	send chan []byte // 单队列，保证同一连接的帧按入队顺序写出

	// 元数据
	metadata sync.Map

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closing   chan struct{} // Close 后关闭，writePump 据此刷出剩余帧
	closeOnce sync.Once
	writeDone chan struct{} // 标记 writePump 已退出

	// 限流
	invalidMsgCount atomic.Int32 // 连续无效消息计数

	config *ClientConfig
}

// ClientConfig 客户端配置
type ClientConfig struct {
	SendQueueSize      int
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
	MaxMessageSize     int64
	MaxInvalidMessages int32
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithMetadata 设置元数据
func WithMetadata(key string, value any) ClientOption {
	return func(c *Client) {
		c.metadata.Store(key, value)
	}
}

// NewClient 创建客户端
func NewClient(conn *websocket.Conn, manager *Manager, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(manager.ctx)

	cfg := manager.config
	config := &ClientConfig{
		SendQueueSize:      cfg.MessageQueueSize,
		WriteWait:          cfg.WriteTimeout,
		PongWait:           cfg.HeartbeatTimeout,
		PingPeriod:         cfg.HeartbeatInterval,
		MaxMessageSize:     cfg.MaxMessageSize,
		MaxInvalidMessages: int32(cfg.MaxInvalidMessages),
	}

	client := &Client{
		ID:        protocol.NewSocketID(),
		conn:      conn,
		manager:   manager,
		send:      make(chan []byte, config.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		config:    config,
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Run 运行客户端，阻塞直到连接结束并完成 OnClose
func (c *Client) Run() {
	go c.writePump()
	defer c.finish()

	if err := c.manager.handler.OnOpen(c.ctx, c); err != nil {
		c.manager.log.Debug("ws client rejected", zap.String("socket_id", c.ID), zap.Error(err))
		c.Close()
		return
	}
	c.readPump()
}

// finish 等待 writePump 退出后释放资源并通知 Handler
func (c *Client) finish() {
	c.Close()
	<-c.writeDone
	_ = c.conn.Close()

	// 关闭流程需要访问后端，不能随 manager 一起被取消
	c.manager.handler.OnClose(context.WithoutCancel(c.ctx), c)
	c.cancel()
	c.manager.release(c)
}

// readPump 读取消息
func (c *Client) readPump() {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.touch(); err != nil {
		c.manager.metrics.IncrementReadErrors()
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.touch()
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.manager.metrics.IncrementReadErrors()
				c.manager.log.Debug("ws read failed", zap.String("socket_id", c.ID), zap.Error(err))
			}
			return
		}
		// Pusher 客户端用 pusher:ping 保活，任何入站帧都刷新读超时
		if err := c.touch(); err != nil {
			return
		}
		c.manager.metrics.IncrementMessages()

		if msgType != websocket.TextMessage {
			err = ErrInvalidMessage
		} else {
			err = c.manager.handler.OnMessage(c.ctx, c, data)
		}

		if errors.Is(err, ErrInvalidMessage) {
			c.manager.metrics.IncrementInvalidMessages()
			if c.invalidMsgCount.Add(1) >= c.config.MaxInvalidMessages {
				c.manager.log.Info("ws client closed after repeated invalid messages", zap.String("socket_id", c.ID))
				return
			}
			continue
		}
		if err != nil {
			c.manager.log.Debug("ws handler error", zap.String("socket_id", c.ID), zap.Error(err))
		}
		c.invalidMsgCount.Store(0)
	}
}

func (c *Client) touch() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.closing:
			c.flush()
			return

		case <-c.ctx.Done():
			c.flush()
			return

		case message := <-c.send:
			if err := c.writeMessage(message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait)); err != nil {
				c.manager.metrics.IncrementWriteErrors()
				return
			}
		}
	}
}

// flush 写出已排队的帧，然后发送关闭帧
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.writeMessage(message); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteWait))
			return
		}
	}
}

// writeMessage 写入消息
func (c *Client) writeMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		c.manager.metrics.IncrementWriteErrors()
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.manager.metrics.IncrementWriteErrors()
		return err
	}
	return nil
}

// SocketID 连接标识
func (c *Client) SocketID() string {
	return c.ID
}

// Send 发送字节消息（非阻塞），队列满时丢弃并返回 ErrChannelFull
func (c *Client) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.manager.metrics.IncrementDroppedMessages()
		return ErrChannelFull
	}
}

// Close 关闭客户端，已排队的帧会先写出
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
	})
}

// IsClosed 检查是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// MetadataString 获取字符串元数据
func (c *Client) MetadataString(key string) string {
	v, _ := c.metadata.Load(key)
	s, _ := v.(string)
	return s
}
