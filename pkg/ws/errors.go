package ws

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrClientIDExists     = errors.New("ws: client id already exists")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrShuttingDown       = errors.New("ws: manager shutting down")

	// 消息相关错误
	// ErrInvalidMessage Handler 返回该错误（或包装它）时计入无效消息
	ErrInvalidMessage = errors.New("ws: invalid message")
	ErrChannelFull    = errors.New("ws: send channel full")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")
)
