package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestNew 测试创建 Logger
func TestNew(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil config", config: nil},
		{name: "console output", config: &Config{Level: "info", Format: JSONFormat, Console: true}},
		{name: "file output", config: &Config{Level: "debug", File: filepath.Join(dir, "test.log")}},
		{name: "rotate output", config: &Config{Rotate: &RotateConfig{Filename: filepath.Join(dir, "rotate.log")}}},
		{name: "invalid level", config: &Config{Level: "loud"}, wantErr: true},
		{name: "invalid format", config: &Config{Format: "xml"}, wantErr: true},
		{name: "rotate without filename", config: &Config{Rotate: &RotateConfig{}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, l)
		})
	}
}

// TestNewDevelopment 测试开发环境 Logger
func TestNewDevelopment(t *testing.T) {
	l, err := NewDevelopment()
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, l.Level())
}

// TestSetLevel 测试动态调整级别对已创建的子 Logger 同样生效
func TestSetLevel(t *testing.T) {
	hook := &recordingHook{}
	l, err := NewWithOptions(WithLevel("info"), WithHook(hook), WithFileOutput(filepath.Join(t.TempDir(), "lvl.log")))
	require.NoError(t, err)

	child := l.With(zap.String("component", "test"))
	child.Debug("hidden")
	assert.Equal(t, 0, hook.count())

	l.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.Level())
	child.Debug("visible")
	assert.Equal(t, 1, hook.count())
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"", InfoLevel},
		{"debug", DebugLevel},
		{"WARN", WarnLevel},
		{"error", ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("nope")
	assert.Error(t, err)
}

// TestFileOutput 测试文件输出与链路字段
func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(&Config{Level: "info", File: path})
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	l.InfoContext(ctx, "subscribed", zap.String("channel", "presence-room"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"msg":"subscribed"`)
	assert.Contains(t, line, `"trace_id":"0102030405060708090a0b0c0d0e0f10"`)
	assert.Contains(t, line, `"channel":"presence-room"`)
}

// TestMiddleware 测试 gin 访问日志中间件
func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := &recordingHook{}
	l, err := NewWithOptions(WithLevel("debug"), WithHook(hook), WithFileOutput(filepath.Join(t.TempDir(), "http.log")))
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/ok", func(c *gin.Context) {
		assert.NotNil(t, FromGin(c))
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := hook.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

type recordingHook struct {
	mu      sync.Mutex
	entries []zapcore.Entry
}

func (h *recordingHook) OnWrite(entry zapcore.Entry, _ []zapcore.Field) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if strings.TrimSpace(entry.Message) != "" {
		h.entries = append(h.entries, entry)
	}
	return nil
}

func (h *recordingHook) count() int {
	return len(h.snapshot())
}

func (h *recordingHook) snapshot() []zapcore.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]zapcore.Entry(nil), h.entries...)
}
