package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/l0p7/offlinegate/internal/logging"
	"github.com/l0p7/offlinegate/internal/runtime/queue"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay queued offline writes",
		Long: `Inspect and replay writes queued while the upstream was unreachable.

Only persistent queue backends (sqlite) hold mutations between runs.`,
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueReplayCommand(opts))
	return cmd
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	var parked bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print pending mutations as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			store, err := buildQueueStore(cmd.Context(), cfg.Queue)
			if err != nil {
				return err
			}
			defer store.Close()

			var items any
			if parked {
				items, err = store.Parked(cmd.Context())
			} else {
				items, err = store.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().BoolVar(&parked, "parked", false, "list mutations that exhausted their retries")
	return cmd
}

func newQueueReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay pending mutations against the upstream once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.NewWithWriter(cfg.Server.Logging, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("configure logger: %w", err)
			}
			fetcher, err := buildFetcher(cfg)
			if err != nil {
				return err
			}
			store, err := buildQueueStore(cmd.Context(), cfg.Queue)
			if err != nil {
				return err
			}
			defer store.Close()

			replayer := queue.NewReplayer(queue.ReplayerConfig{
				Store:      store,
				Fetcher:    fetcher,
				MaxRetries: cfg.Queue.MaxRetries,
				Logger:     logger.With(slog.String("command", "queue replay")),
			})
			result, err := replayer.Replay(cmd.Context())
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
