package repository

import (
	"context"
	"sort"
	"sync"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// CampaignViewRepositoryInterface stores the campaign list read model. It is
// written only by the projection engine and read by query handlers.
type CampaignViewRepositoryInterface interface {
	// Get returns NotFound for an unknown campaign.
	Get(ctx context.Context, id string) (model.CampaignView, error)
	// List returns one page in newest-first order and the total match count.
	List(ctx context.Context, filter model.ViewFilter) ([]model.CampaignView, int, error)
	Counts(ctx context.Context) (model.StatusCounts, error)
	Upsert(ctx context.Context, v model.CampaignView) error
	// Reset drops every row.
	Reset(ctx context.Context) error
}

// MemoryCampaignViewRepository keeps views in process memory.
type MemoryCampaignViewRepository struct {
	mu    sync.RWMutex
	views map[string]model.CampaignView
}

func NewMemoryCampaignViewRepository() *MemoryCampaignViewRepository {
	return &MemoryCampaignViewRepository{views: make(map[string]model.CampaignView)}
}

func (r *MemoryCampaignViewRepository) Get(ctx context.Context, id string) (model.CampaignView, error) {
	if err := ctx.Err(); err != nil {
		return model.CampaignView{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	if !ok {
		return model.CampaignView{}, appErrors.NewCampaignNotFound(id)
	}
	return cloneView(v), nil
}

func (r *MemoryCampaignViewRepository) List(ctx context.Context, filter model.ViewFilter) ([]model.CampaignView, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	matched := make([]model.CampaignView, 0, len(r.views))
	for _, v := range r.views {
		if filter.Matches(v) {
			matched = append(matched, cloneView(v))
		}
	}
	r.mu.RUnlock()

	sortViews(matched)
	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (r *MemoryCampaignViewRepository) Counts(ctx context.Context) (model.StatusCounts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(model.StatusCounts)
	for _, v := range r.views {
		counts[v.Status]++
	}
	return counts, nil
}

func (r *MemoryCampaignViewRepository) Upsert(ctx context.Context, v model.CampaignView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[v.ID] = cloneView(v)
	return nil
}

func (r *MemoryCampaignViewRepository) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = make(map[string]model.CampaignView)
	return nil
}

// sortViews orders newest first, ties broken by descending ID.
func sortViews(views []model.CampaignView) {
	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		}
		return views[i].ID > views[j].ID
	})
}

func page(views []model.CampaignView, offset, limit int) []model.CampaignView {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(views) {
		return []model.CampaignView{}
	}
	views = views[offset:]
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}
	return views
}

func cloneView(v model.CampaignView) model.CampaignView {
	if v.Tags != nil {
		v.Tags = append([]string(nil), v.Tags...)
	}
	if v.ScheduledAt != nil {
		t := *v.ScheduledAt
		v.ScheduledAt = &t
	}
	if v.SentAt != nil {
		t := *v.SentAt
		v.SentAt = &t
	}
	return v
}

var _ CampaignViewRepositoryInterface = (*MemoryCampaignViewRepository)(nil)
