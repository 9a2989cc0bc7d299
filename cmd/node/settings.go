package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshnode/device-runtime/internal/config"
	"github.com/meshnode/device-runtime/internal/restart"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/internal/storage"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change stored settings",
}

var settingsDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print settings that differ from their defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *settings.Registry) error {
			chunks, failures := r.Dump(1 << 16)
			for _, c := range chunks {
				fmt.Fprintln(cmd.OutOrStdout(), string(c))
			}
			for _, f := range failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", f.Setting, f.Reason)
			}
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <name[index]> <value>",
	Short: "Store a single setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *settings.Registry) error {
			if err := r.SetText(args[0], args[1]); err != nil {
				return err
			}
			return r.Commit(ctx)
		})
	},
}

var factoryCmd = &cobra.Command{
	Use:   "factory",
	Short: "Erase all stored settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *settings.Registry) error {
			return r.FactoryReset(ctx)
		})
	},
}

func init() {
	settingsCmd.AddCommand(settingsDumpCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd, factoryCmd)
}

// withRegistry 打开存储和设置表，不启动运行时
func withRegistry(fn func(ctx context.Context, r *settings.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	r := settings.NewRegistry(store, restart.New())
	if _, err := settings.RegisterBuiltin(r, settings.Options{
		Mesh:     cfg.Mesh.Enabled,
		AppName:  cfg.Node.App,
		Defaults: cfg.Defaults,
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, r)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	id, err := cfg.Node.ID()
	if err != nil {
		return nil, err
	}
	return storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, id.String())
}
