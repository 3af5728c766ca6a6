// internal/model/campaign_view.go
package model

import "time"

// CampaignView is one row of the campaign list read model.
type CampaignView struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Subject       string         `db:"subject" json:"subject"`
	Status        CampaignStatus `db:"status" json:"status"`
	OwnerID       string         `db:"owner_id" json:"ownerId,omitempty"`
	TemplateID    string         `db:"template_id" json:"templateId,omitempty"`
	ListCount     int            `db:"list_count" json:"listCount"`
	Tags          []string       `db:"tags" json:"tags,omitempty"`
	ScheduledAt   *time.Time     `db:"scheduled_at" json:"scheduledAt,omitempty"`
	SentAt        *time.Time     `db:"sent_at" json:"sentAt,omitempty"`
	FailureReason string         `db:"failure_reason" json:"failureReason,omitempty"`
	LastEvent     EventType      `db:"last_event" json:"lastEvent"`
	Version       int            `db:"version" json:"version"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
}

// StatusCounts is the number of campaigns per status.
type StatusCounts map[CampaignStatus]int

// Total sums every status.
func (s StatusCounts) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// ViewFilter narrows a campaign list query.
type ViewFilter struct {
	Status  CampaignStatus
	OwnerID string
	Tag     string
	Offset  int
	Limit   int
}

// Matches reports whether v passes the non-paging part of the filter.
func (f ViewFilter) Matches(v CampaignView) bool {
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && v.OwnerID != f.OwnerID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range v.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
