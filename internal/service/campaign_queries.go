package service

import (
	"context"

	"github.com/unclebandit/campaign-core/internal/bus"
	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/repository"
)

// Query types accepted by the query bus.
const (
	QueryGetCampaign          = "GetCampaign"
	QueryListCampaigns        = "ListCampaigns"
	QueryCampaignStatusCounts = "CampaignStatusCounts"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type GetCampaignQuery struct {
	ID string `json:"id" validate:"required"`
}

type ListCampaignsQuery struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Status   string `json:"status,omitempty"`
	OwnerID  string `json:"ownerId,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

type CampaignStatusCountsQuery struct{}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type CampaignList struct {
	Campaigns  []model.CampaignView `json:"campaigns"`
	Pagination Pagination           `json:"pagination"`
}

type StatusCountsResult struct {
	Counts model.StatusCounts `json:"counts"`
	Total  int                `json:"total"`
}

// CampaignQueryService answers queries from the campaign list view only.
type CampaignQueryService struct {
	Views repository.CampaignViewRepositoryInterface
}

func (s *CampaignQueryService) Register(b *bus.QueryBus) error {
	if err := b.Register(QueryGetCampaign, query(s.GetCampaign)); err != nil {
		return err
	}
	if err := b.Register(QueryListCampaigns, query(s.ListCampaigns)); err != nil {
		return err
	}
	return b.Register(QueryCampaignStatusCounts, query(s.StatusCounts))
}

func query[T, R any](fn func(context.Context, T) (R, error)) bus.QueryHandlerFunc {
	return func(ctx context.Context, msg bus.Message) (any, error) {
		var in T
		if err := msg.Decode(&in); err != nil {
			return nil, err
		}
		if err := model.ValidateStruct(in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

func (s *CampaignQueryService) GetCampaign(ctx context.Context, in GetCampaignQuery) (model.CampaignView, error) {
	return s.Views.Get(ctx, in.ID)
}

// ListCampaigns pages through the view newest first. Page defaults to 1 and
// page size to 20, capped at 100.
func (s *CampaignQueryService) ListCampaigns(ctx context.Context, in ListCampaignsQuery) (CampaignList, error) {
	page, pageSize := in.Page, in.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := model.ViewFilter{
		OwnerID: in.OwnerID,
		Tag:     in.Tag,
		Offset:  (page - 1) * pageSize,
		Limit:   pageSize,
	}
	if in.Status != "" {
		status, ok := model.ParseCampaignStatus(in.Status)
		if !ok {
			return CampaignList{}, appErrors.NewValidationFailed("status", "is not a campaign status")
		}
		filter.Status = status
	}

	views, total, err := s.Views.List(ctx, filter)
	if err != nil {
		return CampaignList{}, err
	}
	return CampaignList{
		Campaigns: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalCount: total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	}, nil
}

// StatusCounts reports every status, including those with no campaigns.
func (s *CampaignQueryService) StatusCounts(ctx context.Context, _ CampaignStatusCountsQuery) (StatusCountsResult, error) {
	counts, err := s.Views.Counts(ctx)
	if err != nil {
		return StatusCountsResult{}, err
	}
	out := make(model.StatusCounts, len(model.AllStatuses))
	for _, status := range model.AllStatuses {
		out[status] = counts[status]
	}
	return StatusCountsResult{Counts: out, Total: out.Total()}, nil
}
