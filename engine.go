package beacon

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/channel"
	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/pusher"
	"github.com/tokmz/beacon/pkg/stats"
	"github.com/tokmz/beacon/pkg/tracing"
	"github.com/tokmz/beacon/pkg/ws"
)

// Engine 服务实例：gin 路由、WebSocket 连接管理与后台任务
type Engine struct {
	config *Config
	engine *gin.Engine
	server *http.Server
	out    io.Writer
	log    logger.Logger

	apps      *apps.Registry
	backend   channel.Backend
	manager   *channel.Manager
	pusher    *pusher.Server
	sockets   *ws.Manager
	collector stats.Collector
	history   *stats.Store
	runner    *stats.Runner
	metrics   *ws.RegistryMetrics
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithOutput 设置 banner 输出，默认 os.Stdout
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		e.out = w
	}
}

// WithRegistry 使用外部应用注册表（配置热更新时由调用方替换）
func WithRegistry(r *apps.Registry) Option {
	return func(e *Engine) {
		e.apps = r
	}
}

// WithBackend 设置频道后端，默认单进程后端
func WithBackend(b channel.Backend) Option {
	return func(e *Engine) {
		e.backend = b
	}
}

// WithCollector 设置统计收集器，默认内存收集器
func WithCollector(c stats.Collector) Option {
	return func(e *Engine) {
		e.collector = c
	}
}

// WithHistory 设置统计历史存储，启用 /statistics/history
func WithHistory(s *stats.Store) Option {
	return func(e *Engine) {
		e.history = s
	}
}

// WithMetrics 设置 WebSocket 指标
func WithMetrics(m *ws.RegistryMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New 创建 Engine，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg

	e := &Engine{
		config: &c,
		out:    os.Stdout,
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.apps == nil {
		registry, err := apps.NewRegistry(e.config.Apps)
		if err != nil {
			return nil, err
		}
		e.apps = registry
	}
	if e.backend == nil {
		e.backend = channel.NewLocalBackend()
	}
	if e.collector == nil {
		statsOpts := []stats.Option{
			stats.WithLogger(e.log.Named("stats")),
			stats.WithEnabled(e.statisticsEnabled),
		}
		if e.history != nil {
			statsOpts = append(statsOpts, stats.WithSaver(e.history))
		}
		e.collector = stats.NewMemory(statsOpts...)
	}
	if e.metrics == nil {
		e.metrics = ws.NewRegistryMetrics(nil)
	}
	if e.config.Statistics.Enabled {
		e.runner = stats.NewRunner(e.collector, e.config.Statistics.Interval, e.log.Named("stats"))
	}

	e.manager = channel.NewManager(e.backend, e.apps,
		channel.WithLogger(e.log.Named("channel")),
		channel.WithTimeout(e.config.Replication.Timeout),
	)
	e.pusher = pusher.New(e.apps, e.manager, e.collector, pusher.WithLogger(e.log.Named("pusher")))

	sockets, err := ws.NewManager(&e.config.WebSocket, &bridge{server: e.pusher},
		ws.WithMetrics(e.metrics),
		ws.WithLogger(e.log.Named("ws")),
	)
	if err != nil {
		return nil, err
	}
	e.sockets = sockets

	// gin.SetMode 是全局操作，仅在仍为默认模式或显式指定非 debug 时设置
	if gin.Mode() == gin.DebugMode || e.config.Mode != gin.DebugMode {
		gin.SetMode(e.config.Mode)
	}
	silenceGin()

	e.engine = gin.New()
	e.engine.Use(
		Recovery(e.log),
		logger.Middleware(e.log.Named("http")),
		tracing.Middleware(tracing.WithFilter(traced)),
	)
	if e.config.TrustedProxies != nil {
		if err := e.engine.SetTrustedProxies(e.config.TrustedProxies); err != nil {
			return nil, err
		}
	}
	e.registerRoutes()

	return e, nil
}

// statisticsEnabled 只持久化开启统计的应用
func (e *Engine) statisticsEnabled(appID string) bool {
	app, err := e.apps.FindByID(appID)
	return err == nil && app.EnableStatistics
}

// Handler 返回 HTTP 处理器
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Apps 应用注册表
func (e *Engine) Apps() *apps.Registry {
	return e.apps
}

// ReloadApps 原子替换应用列表，已建立的连接不受影响
func (e *Engine) ReloadApps(list []apps.App) error {
	if err := e.apps.Replace(list); err != nil {
		return err
	}
	e.log.Info("apps reloaded", zap.Int("count", len(list)))
	return nil
}

// Run 监听配置的地址并阻塞运行，支持优雅关机
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Serve 在给定 listener 上运行
// ctx 结束、收到 SIGINT/SIGTERM 或后台任务失败时执行优雅关机
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.server = &http.Server{
		Handler:        e.engine,
		ReadTimeout:    e.config.Server.ReadTimeout,
		WriteTimeout:   e.config.Server.WriteTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}

	e.printBanner(ln.Addr().String())

	// 后台任务在连接全部关闭后才停止，最后一次统计保存能看到断开事件
	bg, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	g, gctx := errgroup.WithContext(bg)
	g.Go(func() error {
		return e.manager.Run(gctx)
	})
	if e.runner != nil {
		g.Go(func() error {
			return e.runner.Run(gctx)
		})
	}

	errChan := make(chan error, 1)
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case runErr = <-errChan:
		e.log.Error("http server failed", zap.Error(runErr))
	case <-gctx.Done():
		e.log.Error("background task stopped")
	case sig := <-quit:
		e.log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		e.log.Info("shutting down")
	}

	shutdownErr := e.gracefulShutdown()

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	if err := e.manager.Close(); err != nil {
		e.log.Warn("close channel backend failed", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// gracefulShutdown 执行优雅关机流程
func (e *Engine) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.Shutdown.Timeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		e.log.Warn("forced shutdown", zap.Error(err))
		return err
	}
	e.log.Info("server exited")
	return nil
}

// Shutdown 关闭全部 WebSocket 连接后关闭 HTTP 服务器
// 被劫持的 WebSocket 连接不受 http.Server.Shutdown 管理，需先行关闭
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.config.Shutdown.BeforeShutdown != nil {
		e.config.Shutdown.BeforeShutdown()
	}

	err := e.sockets.Shutdown(ctx)
	if e.server != nil {
		err = errors.Join(err, e.server.Shutdown(ctx))
	}

	if e.config.Shutdown.AfterShutdown != nil {
		e.config.Shutdown.AfterShutdown()
	}
	return err
}

// traced 健康检查与指标接口不记录 span
func traced(c *gin.Context) bool {
	switch c.Request.URL.Path {
	case "/health", "/metrics":
		return false
	}
	return true
}

// startedAt 进程启动时间
var startedAt = time.Now()
