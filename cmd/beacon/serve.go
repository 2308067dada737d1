package main

import (
	"context"
	"fmt"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/beacon"
	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/broker"
	"github.com/tokmz/beacon/pkg/channel"
	"github.com/tokmz/beacon/pkg/config"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/orm"
	"github.com/tokmz/beacon/pkg/redisx"
	"github.com/tokmz/beacon/pkg/stats"
	"github.com/tokmz/beacon/pkg/tracing"
	"github.com/tokmz/beacon/pkg/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket server",
	Long:  `Starts the WebSocket endpoint (/app/{key}) and the HTTP query API (/apps/{id}/...). Apps and log level are reloaded when the config file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", "", "Listen address, overrides server.addr")
}

// reloader 配置文件变更时热更新应用列表与日志级别
type reloader struct {
	engine *beacon.Engine
	log    logger.Logger
}

func (r *reloader) apply(c *config.Config) {
	var list []apps.App
	if err := c.UnmarshalKey("apps", &list); err != nil {
		r.log.Error("reload apps failed", zap.Error(err))
		return
	}
	if err := r.engine.ReloadApps(list); err != nil {
		r.log.Error("reload apps rejected", zap.Error(err))
		return
	}

	level, err := logger.ParseLevel(c.GetString("log.level"))
	if err != nil {
		r.log.Warn("reload log level rejected", zap.Error(err))
	} else {
		r.log.SetLevel(level)
	}
	r.log.Info("config reloaded", zap.Int("apps", len(list)), zap.String("log_level", level.String()))
}

func serve(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rl := &reloader{}
	cfg, loader, err := loadConfig(cmd, config.WithOnChange(rl.apply))
	if err != nil {
		return err
	}
	defer loader.Close()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	provider, err := tracing.NewProvider(ctx, &cfg.Tracing)
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	registry, err := apps.NewRegistry(cfg.Apps)
	if err != nil {
		return err
	}
	opts := []beacon.Option{
		beacon.WithLogger(log),
		beacon.WithRegistry(registry),
		beacon.WithMetrics(ws.NewRegistryMetrics(gometrics.DefaultRegistry)),
	}

	var rdb redis.UniversalClient
	if cfg.Replication.Driver == beacon.ReplicationRedis {
		rdb, err = redisx.New(ctx, &cfg.Replication.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		bus, err := broker.New(&cfg.Replication.Bus, rdb)
		if err != nil {
			return fmt.Errorf("create broadcast bus: %w", err)
		}
		backend := channel.NewRedisBackend(rdb, bus,
			channel.WithPrefix(cfg.Replication.Prefix),
			channel.WithRedisLogger(log.Named("replication")),
		)
		log.Info("replication enabled",
			zap.String("node_id", backend.NodeID()),
			zap.String("bus", string(cfg.Replication.Bus.Driver)),
		)
		opts = append(opts, beacon.WithBackend(backend))
	}

	if cfg.Statistics.Enabled {
		db, err := orm.New(&cfg.Database, log.Named("orm"))
		if err != nil {
			return fmt.Errorf("open statistics database: %w", err)
		}
		defer func() { _ = orm.Close(db) }()

		store := stats.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate statistics: %w", err)
		}
		opts = append(opts, beacon.WithHistory(store))

		if cfg.Statistics.Driver == beacon.StatisticsRedis {
			enabled := func(appID string) bool {
				app, err := registry.FindByID(appID)
				return err == nil && app.EnableStatistics
			}
			opts = append(opts, beacon.WithCollector(stats.NewRedis(rdb, cfg.Replication.Prefix, cfg.Statistics.LockTTL,
				stats.WithSaver(store),
				stats.WithEnabled(enabled),
				stats.WithLogger(log.Named("stats")),
			)))
		}
	}

	engine, err := beacon.New(cfg, opts...)
	if err != nil {
		return err
	}

	// 依赖就绪后再监听配置变更
	rl.engine = engine
	rl.log = log
	if loader.ConfigFileUsed() != "" {
		loader.StartWatch()
	}

	return engine.Run(ctx)
}
