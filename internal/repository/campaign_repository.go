package repository

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
)

type CampaignRepositoryInterface interface {
	Load(ctx context.Context, id string) (*model.Campaign, error)
	Save(ctx context.Context, c *model.Campaign, meta *model.EventMetadata) ([]model.StoredEvent, error)
	History(ctx context.Context, id string) ([]model.StoredEvent, error)
}

// CampaignRepository loads campaigns by replaying their stream and saves
// them by appending the uncommitted events. It never retries; conflicts are
// returned to the command handler.
type CampaignRepository struct {
	Store eventstore.Store
}

func NewCampaignRepository(store eventstore.Store) *CampaignRepository {
	return &CampaignRepository{Store: store}
}

// Load folds every event of the campaign. A campaign without events is
// NotFound.
func (r *CampaignRepository) Load(ctx context.Context, id string) (*model.Campaign, error) {
	events, err := r.Store.Read(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	c, err := model.ReplayCampaign(model.DomainEvents(events))
	if err != nil {
		return nil, fmt.Errorf("replay campaign %s: %w", id, err)
	}
	return c, nil
}

// Save appends the campaign's pending events, expecting the stream to be at
// the version the campaign was loaded at. meta is stamped on every event.
func (r *CampaignRepository) Save(ctx context.Context, c *model.Campaign, meta *model.EventMetadata) ([]model.StoredEvent, error) {
	changes := c.Changes()
	if len(changes) == 0 {
		return nil, nil
	}
	if meta != nil && !meta.IsZero() {
		for i := range changes {
			m := *meta
			changes[i].Metadata = &m
		}
	}
	stored, err := r.Store.Append(ctx, c.ID, changes, c.LoadedVersion())
	if err != nil {
		return nil, err
	}
	c.ClearChanges()
	return stored, nil
}

// History returns the raw stream of a campaign.
func (r *CampaignRepository) History(ctx context.Context, id string) ([]model.StoredEvent, error) {
	events, err := r.Store.Read(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return events, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
