package main

import (
	"github.com/spf13/cobra"
)

func newRebuildCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the campaign list view from the event store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, root)
		},
	}
}

func runRebuild(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	a, err := opts.build(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Engine.Rebuild(ctx); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), a.Engine.Health())
}
