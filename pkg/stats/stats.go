// Package stats accumulates per-application usage counters (peak connections,
// websocket messages, API messages) over a time bucket and persists them when
// the bucket rolls over.
package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// Snapshot 某应用当前时间桶的统计
type Snapshot struct {
	AppID                  string `json:"app_id"`
	PeakConnectionsCount   int    `json:"peak_connections_count"`
	WebSocketMessagesCount int    `json:"websocket_messages_count"`
	APIMessagesCount       int    `json:"api_messages_count"`
}

// Collector 统计收集器
type Collector interface {
	NewConnection(ctx context.Context, appID string)
	NewDisconnection(ctx context.Context, appID string)
	WebSocketMessage(ctx context.Context, appID string)
	APIMessage(ctx context.Context, appID string)

	Statistics(ctx context.Context) ([]Snapshot, error)
	AppStatistics(ctx context.Context, appID string) (Snapshot, error)

	// Save 持久化当前时间桶并开始新的时间桶
	Save(ctx context.Context) error
	// Flush 丢弃全部统计
	Flush(ctx context.Context) error
}

// Saver 统计持久化
type Saver interface {
	Save(ctx context.Context, snapshots []Snapshot) error
}

// EnabledFunc 判断应用是否开启统计持久化
type EnabledFunc func(appID string) bool

type options struct {
	saver   Saver
	enabled EnabledFunc
	log     logger.Logger
}

// Option 收集器选项
type Option func(*options)

// WithSaver 设置持久化，未设置时 Save 只滚动时间桶
func WithSaver(s Saver) Option {
	return func(o *options) { o.saver = s }
}

// WithEnabled 设置应用过滤，默认全部持久化
func WithEnabled(fn EnabledFunc) Option {
	return func(o *options) { o.enabled = fn }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{
		enabled: func(string) bool { return true },
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// persistable 过滤出需要持久化的快照
func (o *options) persistable(all []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		if o.enabled(s.AppID) {
			out = append(out, s)
		}
	}
	return out
}

// Runner 定时触发 Save
type Runner struct {
	collector Collector
	interval  time.Duration
	log       logger.Logger
}

// NewRunner 创建定时器，interval 默认 60s
func NewRunner(c Collector, interval time.Duration, log logger.Logger) *Runner {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{collector: c, interval: interval, log: log}
}

// Run 阻塞运行，ctx 结束时做最后一次 Save
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.collector.Save(saveCtx); err != nil {
				r.log.Error("final statistics save failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := r.collector.Save(ctx); err != nil {
				r.log.Error("statistics save failed", zap.Error(err))
			}
		}
	}
}
