package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
)

type eventsOptions struct {
	*rootOptions
	Types []string
	Since time.Duration
	Limit int
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	opts := &eventsOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "events [campaign-id]",
		Short: "Print a campaign's event stream, or events across campaigns by type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, opts, args)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "event types to include when no campaign ID is given")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only events stored within this window")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events")
	return cmd
}

func runEvents(cmd *cobra.Command, opts *eventsOptions, args []string) error {
	ctx := cmd.Context()
	a, err := opts.build(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		events, err := a.Campaigns.History(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	}

	q := eventstore.TypeQuery{Limit: opts.Limit}
	for _, t := range opts.Types {
		et, ok := model.ParseEventType(t)
		if !ok {
			return fmt.Errorf("unknown event type %q", t)
		}
		q.Types = append(q.Types, et)
	}
	if opts.Since > 0 {
		q.From = time.Now().Add(-opts.Since)
	}
	events, err := a.Store.ReadByType(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), events)
}
