package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokmz/beacon"
	"github.com/tokmz/beacon/pkg/config"
	"github.com/tokmz/beacon/pkg/errors"
)

var rootCmd = &cobra.Command{
	Use:           "beacon",
	Short:         "Pusher-compatible WebSocket server",
	Long:          `A WebSocket pub/sub server speaking the Pusher channels protocol, with presence channels, client events and an HTTP query API.`,
	Version:       beacon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("beacon version {{.Version}}\n")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default ./beacon.yaml or /etc/beacon/beacon.yaml)")
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLoader 创建配置加载器，环境变量 BEACON_SERVER_ADDR 覆盖 server.addr
func newLoader(path string, opts ...config.Option) *config.Config {
	base := []config.Option{
		config.WithEnvPrefix("BEACON"),
		config.WithEnvKeyReplacer(strings.NewReplacer(".", "_")),
	}
	if path != "" {
		base = append(base, config.WithConfigFile(path))
	} else {
		base = append(base,
			config.WithConfigName("beacon"),
			config.WithConfigType("yaml"),
			config.WithConfigPaths(".", "/etc/beacon"),
		)
	}
	return config.New(append(base, opts...)...)
}

// loadConfig 加载配置，未指定路径且找不到默认配置文件时使用默认值
func loadConfig(cmd *cobra.Command, opts ...config.Option) (*beacon.Config, *config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	loader := newLoader(path, opts...)
	if err := loader.Load(); err != nil {
		if path != "" || !errors.Is(err, config.ErrConfigNotFound) {
			return nil, nil, err
		}
	}
	cfg, err := beacon.LoadConfig(loader)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}
