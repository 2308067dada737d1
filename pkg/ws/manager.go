package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// Manager WebSocket 核心管理器
type Manager struct {
	pool    *ConnectionPool
	handler Handler

	config   *Config
	upgrader *websocket.Upgrader

	// 生命周期
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
	log     logger.Logger
}

// NewManager 创建管理器，cfg 为 nil 时使用默认配置
func NewManager(cfg *Config, handler Handler, opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	if cfg != nil {
		c := *cfg
		config = &c
	}
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("ws: handler is required"))
	}

	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pool:     NewConnectionPool(config.MaxConnections),
		handler:  handler,
		config:   config,
		upgrader: newUpgrader(config),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  config.Metrics,
		log:      config.Logger,
	}, nil
}

// HandleUpgrade 处理 WebSocket 升级，成功后客户端在独立协程中运行
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request, opts ...ClientOption) error {
	if m.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return ErrShuttingDown
	}
	// 升级前检查，升级后连接已被劫持无法再返回 HTTP 错误
	if m.pool.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return ErrTooManyConnections
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, m, opts...)
	if err := m.pool.Add(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = conn.Close()
		client.cancel()
		return err
	}

	m.metrics.IncrementConnections()
	m.metrics.SetConnectionCount(m.pool.Count())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		client.Run()
	}()
	return nil
}

// release 客户端结束后从连接池移除
func (m *Manager) release(c *Client) {
	if m.pool.Remove(c.ID) {
		m.metrics.DecrementConnections()
		m.metrics.SetConnectionCount(m.pool.Count())
	}
}

// Shutdown 优雅关闭：拒绝新连接，关闭全部客户端并等待其 OnClose 完成
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	for _, c := range m.pool.Snapshot() {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.log.Warn("ws shutdown timed out", zap.Int("remaining", m.pool.Count()))
		return ctx.Err()
	}
}

// GetClient 获取客户端
func (m *Manager) GetClient(clientID string) (*Client, bool) {
	return m.pool.Get(clientID)
}

// GetClientCount 获取连接数
func (m *Manager) GetClientCount() int {
	return m.pool.Count()
}
