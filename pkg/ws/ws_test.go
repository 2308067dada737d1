package ws

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	reject error
	closed chan string

	mu     sync.Mutex
	opened []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan string, 16)}
}

func (h *recordingHandler) OnOpen(_ context.Context, c *Client) error {
	if h.reject != nil {
		_ = c.Send([]byte("bye"))
		return h.reject
	}
	h.mu.Lock()
	h.opened = append(h.opened, c.ID)
	h.mu.Unlock()
	return c.Send([]byte("welcome " + c.MetadataString("app_key")))
}

func (h *recordingHandler) OnMessage(_ context.Context, c *Client, data []byte) error {
	switch string(data) {
	case "bad":
		return fmt.Errorf("parse: %w", ErrInvalidMessage)
	case "quit":
		_ = c.Send([]byte("goodbye"))
		c.Close()
		return nil
	case "burst":
		for i := range 5 {
			if err := c.Send(fmt.Appendf(nil, "frame-%d", i)); err != nil {
				return err
			}
		}
		c.Close()
		return nil
	}
	return c.Send(append([]byte("echo:"), data...))
}

func (h *recordingHandler) OnClose(_ context.Context, c *Client) {
	h.closed <- c.ID
}

func (h *recordingHandler) waitClosed(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.closed:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose was not called")
		return ""
	}
}

func startServer(t *testing.T, h Handler, opts ...Option) (*Manager, string) {
	t.Helper()
	m, err := NewManager(nil, h, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.HandleUpgrade(w, r, WithMetadata("app_key", r.URL.Query().Get("key")))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http") + "/?key=TestKey"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, false},
		{"timeout not above interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }, false},
		{"zero queue", func(c *Config) { c.MessageQueueSize = 0 }, false},
		{"zero invalid limit", func(c *Config) { c.MaxInvalidMessages = 0 }, false},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestNewManagerRequiresHandler(t *testing.T) {
	_, err := NewManager(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWhitelistChecker(t *testing.T) {
	check := createWhitelistChecker([]string{"https://app.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, check(req("")))
	assert.True(t, createWhitelistChecker([]string{"*"})(req("https://any.example.com")))
}

func TestConnectionPool(t *testing.T) {
	p := NewConnectionPool(1)
	a := &Client{ID: "1.1"}
	require.NoError(t, p.Add(a))
	assert.ErrorIs(t, p.Add(a), ErrClientIDExists)
	assert.ErrorIs(t, p.Add(&Client{ID: "2.2"}), ErrTooManyConnections)
	assert.True(t, p.Full())

	got, ok := p.Get("1.1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, p.Snapshot(), 1)

	assert.True(t, p.Remove("1.1"))
	assert.False(t, p.Remove("1.1"))
	assert.Zero(t, p.Count())
}

func TestEchoAndClose(t *testing.T) {
	h := newRecordingHandler()
	m, url := startServer(t, h)
	conn := dial(t, url)

	assert.Equal(t, "welcome TestKey", readText(t, conn))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	assert.Equal(t, "echo:hi", readText(t, conn))
	assert.Equal(t, 1, m.GetClientCount())

	h.mu.Lock()
	id := h.opened[0]
	h.mu.Unlock()
	c, ok := m.GetClient(id)
	require.True(t, ok)
	assert.Regexp(t, `^\d+\.\d+$`, c.SocketID())

	require.NoError(t, conn.Close())
	assert.Equal(t, id, h.waitClosed(t))
	assert.Eventually(t, func() bool { return m.GetClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h)
	conn := dial(t, url)
	readText(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("quit")))
	assert.Equal(t, "goodbye", readText(t, conn))
	expectClosed(t, conn)
	h.waitClosed(t)
}

func TestFramesKeepQueueOrder(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithMessageQueueSize(8))
	conn := dial(t, url)
	readText(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("burst")))
	for i := range 5 {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), readText(t, conn))
	}
	expectClosed(t, conn)
	h.waitClosed(t)
}

func TestSendQueueFull(t *testing.T) {
	metrics := NewRegistryMetrics(nil)
	m, err := NewManager(nil, newRecordingHandler(), WithMessageQueueSize(1), WithMetrics(metrics))
	require.NoError(t, err)

	// 未启动 writePump，队列不会被消费
	c := NewClient(nil, m)
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrChannelFull)
	assert.Equal(t, int64(1), metrics.Count(MetricDroppedMessages))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithMessageSizeLimit(16))
	conn := dial(t, url)
	readText(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 64)))
	h.waitClosed(t)
}

func TestOriginWhitelistRejectsHandshake(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithCheckOriginWhitelist([]string{"https://app.example.com"}))

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, "welcome TestKey", readText(t, conn))
}

func TestOnOpenRejection(t *testing.T) {
	h := newRecordingHandler()
	h.reject = fmt.Errorf("app not found")
	_, url := startServer(t, h)
	conn := dial(t, url)

	assert.Equal(t, "bye", readText(t, conn))
	expectClosed(t, conn)
	h.waitClosed(t)
}

func TestInvalidMessagesCloseConnection(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithMaxInvalidMessages(3))
	conn := dial(t, url)
	readText(t, conn)

	// 有效消息会重置计数
	for _, msg := range []string{"bad", "bad", "ok", "bad", "bad"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	assert.Equal(t, "echo:ok", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bad")))
	expectClosed(t, conn)
	h.waitClosed(t)
}

func TestIdleClientIsDisconnected(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithHeartbeat(20*time.Millisecond, 100*time.Millisecond))
	conn := dial(t, url)
	// 不回复 ping，模拟失联的客户端
	conn.SetPingHandler(func(string) error { return nil })

	readText(t, conn)
	h.waitClosed(t)
}

func TestTooManyConnections(t *testing.T) {
	h := newRecordingHandler()
	_, url := startServer(t, h, WithMaxConnections(1))
	conn := dial(t, url)
	readText(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestShutdownClosesClients(t *testing.T) {
	h := newRecordingHandler()
	m, url := startServer(t, h)
	conn := dial(t, url)
	readText(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	h.waitClosed(t)
	expectClosed(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSendAfterClose(t *testing.T) {
	h := newRecordingHandler()
	m, url := startServer(t, h)
	conn := dial(t, url)
	readText(t, conn)

	h.mu.Lock()
	id := h.opened[0]
	h.mu.Unlock()
	c, ok := m.GetClient(id)
	require.True(t, ok)

	c.Close()
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Send([]byte("late")), ErrConnectionClosed)
	h.waitClosed(t)
}

func TestRegistryMetrics(t *testing.T) {
	h := newRecordingHandler()
	metrics := NewRegistryMetrics(nil)
	_, url := startServer(t, h, WithMetrics(metrics))
	conn := dial(t, url)
	readText(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	readText(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bad")))

	assert.Equal(t, int64(1), metrics.Count(MetricConnectionsOpened))
	assert.Eventually(t, func() bool {
		return metrics.Count(MetricInvalidMessages) == 1 && metrics.Count(MetricMessages) == 2
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	h.waitClosed(t)
	assert.Eventually(t, func() bool { return metrics.Count(MetricConnectionsClosed) == 1 }, 3*time.Second, 10*time.Millisecond)

	var buf bytes.Buffer
	metrics.WriteJSON(&buf)
	assert.Contains(t, buf.String(), MetricMessages)
}
