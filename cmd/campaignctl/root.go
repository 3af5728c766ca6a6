package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-core/internal/app"
	"github.com/unclebandit/campaign-core/internal/config"
	"github.com/unclebandit/campaign-core/internal/logger"
)

// rootOptions holds global flags; empty values keep the environment's choice.
type rootOptions struct {
	EventStore string
	SQLitePath string
	ViewStore  string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "campaignctl",
		Short:         "Operate the campaign event store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.EventStore, "eventstore", "", "event store driver (memory|sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite", "", "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.ViewStore, "viewstore", "", "view store driver (memory|postgres|redis)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")

	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	return cmd
}

// build loads the environment, applies flag overrides and wires the app.
func (o *rootOptions) build(ctx context.Context, stderr io.Writer) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.EventStore != "" {
		cfg.EventStoreDriver = o.EventStore
	}
	if o.SQLitePath != "" {
		cfg.SQLitePath = o.SQLitePath
	}
	if o.ViewStore != "" {
		cfg.ViewStoreDriver = o.ViewStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger.NewWithWriter(stderr, o.LogLevel, "text"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
