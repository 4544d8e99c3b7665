package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l0p7/offlinegate/internal/config"
)

const defaultEnvPrefix = "OFFLINEGATE"

type rootOptions struct {
	configFile string
	envPrefix  string
}

func (o *rootOptions) load(ctx context.Context) (config.Config, error) {
	cfg, err := config.NewLoader(o.envPrefix, o.configFile).Load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "offlinegate",
		Short: "Offline-resilient caching proxy for the dashboard",
		Long: `offlinegate sits between the dashboard and its origin. It serves cached
pages and API responses while the origin is unreachable, queues writes made
offline, and replays them once connectivity returns.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to server configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", defaultEnvPrefix, "environment variable prefix")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newQueueCommand(opts))
	return root
}
