package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokmz/beacon"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/orm"
	"github.com/tokmz/beacon/pkg/redisx"
	"github.com/tokmz/beacon/pkg/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Manage persisted statistics",
}

var statsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete statistics entries older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer loader.Close()

		retention := cfg.Statistics.Retention
		if days, _ := cmd.Flags().GetInt("days"); days > 0 {
			retention = time.Duration(days) * 24 * time.Hour
		}
		if retention <= 0 {
			return fmt.Errorf("retention must be > 0")
		}

		db, err := orm.New(&cfg.Database, logger.NewNop())
		if err != nil {
			return fmt.Errorf("open statistics database: %w", err)
		}
		defer func() { _ = orm.Close(db) }()

		before := time.Now().Add(-retention)
		n, err := stats.NewStore(db).Prune(cmd.Context(), before)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d statistics entries created before %s\n", n, before.Format(time.RFC3339))
		return nil
	},
}

// 内存统计只存在于服务进程中，只有 redis 统计可以离线重置
var statsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the live statistics buckets shared in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer loader.Close()

		if cfg.Statistics.Driver != beacon.StatisticsRedis {
			return fmt.Errorf("statistics.driver is %q, live statistics are kept by the server process", cfg.Statistics.Driver)
		}
		rdb, err := redisx.New(cmd.Context(), &cfg.Replication.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		if err := stats.NewRedis(rdb, cfg.Replication.Prefix, cfg.Statistics.LockTTL).Flush(cmd.Context()); err != nil {
			return fmt.Errorf("reset statistics: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "live statistics reset")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.AddCommand(statsCleanCmd, statsResetCmd)
	statsCleanCmd.Flags().Int("days", 0, "Keep entries of the last N days (default statistics.retention)")
}
