package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-core/internal/bus"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/service"
)

type seedOptions struct {
	*rootOptions
	Count int
	Owner string
}

func newSeedCommand(root *rootOptions) *cobra.Command {
	opts := &seedOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo campaigns in a mix of lifecycle states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 8, "number of campaigns to create")
	cmd.Flags().StringVar(&opts.Owner, "owner", "seed", "owner ID of the created campaigns")
	return cmd
}

func runSeed(cmd *cobra.Command, opts *seedOptions) error {
	if opts.Count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	ctx := cmd.Context()
	a, err := opts.build(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = bus.WithMetadata(ctx, model.EventMetadata{ActorID: "campaignctl"})
	results := make([]bus.CommandResult, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		res, err := seedCampaign(ctx, a.Commands, i, opts.Owner)
		if err != nil {
			return fmt.Errorf("seed campaign %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return printJSON(cmd.OutOrStdout(), results)
}

// seedCampaign creates one campaign and walks it through a lifecycle picked
// by its index, so a seeded store covers every status.
func seedCampaign(ctx context.Context, commands *bus.CommandBus, i int, owner string) (bus.CommandResult, error) {
	res, err := commands.Dispatch(ctx, service.CommandCreateCampaign, service.CreateCampaignCommand{
		CreateCampaign: model.CreateCampaign{
			Name:    fmt.Sprintf("Seed campaign %d", i+1),
			Subject: fmt.Sprintf("Hello from campaign %d", i+1),
			Content: "Seeded content",
			ListIDs: []string{"list-demo"},
			OwnerID: owner,
			Tags:    []string{"seed"},
		},
	})
	if err != nil {
		return res, err
	}
	id := res.AggregateID

	var steps []struct {
		typ     string
		payload any
	}
	add := func(typ string, payload any) {
		steps = append(steps, struct {
			typ     string
			payload any
		}{typ, payload})
	}

	switch i % 6 {
	case 0:
		// stays a draft
	case 1:
		add(service.CommandScheduleCampaign, service.ScheduleCampaignCommand{ID: id, SendAt: time.Now().Add(24 * time.Hour)})
	case 2:
		add(service.CommandStartSending, service.StartSendingCommand{ID: id})
	case 3:
		add(service.CommandStartSending, service.StartSendingCommand{ID: id})
		add(service.CommandPauseCampaign, service.PauseCampaignCommand{ID: id, Reason: "seeded pause"})
	case 4:
		add(service.CommandStartSending, service.StartSendingCommand{ID: id})
		add(service.CommandCompleteCampaign, service.CompleteCampaignCommand{ID: id})
	case 5:
		add(service.CommandCancelCampaign, service.CancelCampaignCommand{ID: id, Reason: "seeded cancel"})
	}

	for _, s := range steps {
		if res, err = commands.Dispatch(ctx, s.typ, s.payload); err != nil {
			return res, err
		}
	}
	return res, nil
}
