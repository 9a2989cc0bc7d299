package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshnode/device-runtime/internal/config"
	"github.com/meshnode/device-runtime/internal/node"
)

// restartPause 重新创建节点前的等待
const restartPause = time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "Mesh node device runtime",
	Long: `Runs a node: settings store, message bus clients, optional mesh relay,
firmware upgrades and the local configuration API.

Without a subcommand the node runs until SIGINT or SIGTERM. A restart
request recreates the runtime in the same process.`,
	SilenceUsage: true,
	RunE:         runNode,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node until interrupted",
	RunE:  runNode,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，为空时只用环境变量和默认值")
	rootCmd.AddCommand(runCmd)
}

// loadConfig 加载配置并设置日志
func loadConfig() (*config.Config, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("无效的日志级别，使用info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("config_path", configPath).
		Str("mac", cfg.Node.MAC).
		Str("app", cfg.Node.App).
		Msg("Node 启动")

	for {
		n, err := node.New(node.Options{Config: cfg})
		if err != nil {
			return err
		}
		err = n.Run(ctx)
		var restart *node.RestartError
		if !errors.As(err, &restart) {
			if err != nil {
				return err
			}
			log.Info().Msg("Node 已关闭")
			return nil
		}
		log.Warn().Str("reason", restart.Reason).Msg("Node 重启")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartPause):
		}
	}
}
