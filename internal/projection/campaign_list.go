package projection

import (
	"encoding/json"
	"fmt"

	"github.com/unclebandit/campaign-core/internal/model"
)

// CampaignListProjector folds campaign events into the campaign list view.
type CampaignListProjector struct{}

func (CampaignListProjector) Name() string { return "campaign_list" }

func (CampaignListProjector) Types() []model.EventType {
	return append([]model.EventType(nil), model.AllEventTypes...)
}

// Project is pure: the same row and event always give the same result.
func (CampaignListProjector) Project(current *model.CampaignView, evt model.StoredEvent) (model.CampaignView, error) {
	if evt.Type == model.EventCampaignCreated {
		if current != nil {
			return model.CampaignView{}, fmt.Errorf("%w: %s created twice", ErrMalformed, evt.AggregateID)
		}
		var p model.CampaignCreated
		if err := decodePayload(evt, &p); err != nil {
			return model.CampaignView{}, err
		}
		return model.CampaignView{
			ID:         evt.AggregateID,
			Name:       p.Name,
			Subject:    p.Subject,
			Status:     model.StatusDraft,
			OwnerID:    p.OwnerID,
			TemplateID: p.TemplateID,
			ListCount:  len(p.ListIDs),
			Tags:       copyTags(p.Tags),
			LastEvent:  evt.Type,
			Version:    evt.Version,
			CreatedAt:  evt.Timestamp,
			UpdatedAt:  evt.Timestamp,
		}, nil
	}

	if current == nil {
		return model.CampaignView{}, fmt.Errorf("%w: %s for unknown campaign %s", ErrMalformed, evt.Type, evt.AggregateID)
	}
	next := *current
	next.Tags = copyTags(current.Tags)

	switch evt.Type {
	case model.EventCampaignUpdated:
		var p model.CampaignUpdated
		if err := decodePayload(evt, &p); err != nil {
			return model.CampaignView{}, err
		}
		next.Name = p.Name
		next.Subject = p.Subject
		next.TemplateID = p.TemplateID
		next.ListCount = len(p.ListIDs)
		next.Tags = copyTags(p.Tags)
	case model.EventCampaignScheduled:
		var p model.CampaignScheduled
		if err := decodePayload(evt, &p); err != nil {
			return model.CampaignView{}, err
		}
		sendAt := p.SendAt.UTC()
		next.ScheduledAt = &sendAt
		next.Status = model.StatusScheduled
	case model.EventCampaignStarted:
		if next.SentAt == nil {
			ts := evt.Timestamp
			next.SentAt = &ts
		}
		next.Status = model.StatusSending
	case model.EventCampaignPaused:
		next.Status = model.StatusPaused
	case model.EventCampaignCanceled:
		next.Status = model.StatusCanceled
	case model.EventCampaignCompleted:
		next.Status = model.StatusCompleted
	case model.EventCampaignFailed:
		var p model.CampaignFailed
		if err := decodePayload(evt, &p); err != nil {
			return model.CampaignView{}, err
		}
		next.FailureReason = p.Reason
		next.Status = model.StatusFailed
	default:
		return model.CampaignView{}, fmt.Errorf("%w: unknown event type %q", ErrMalformed, evt.Type)
	}

	next.LastEvent = evt.Type
	next.Version = evt.Version
	next.UpdatedAt = evt.Timestamp
	return next, nil
}

func decodePayload(evt model.StoredEvent, v any) error {
	data := evt.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformed, evt.Type, evt.ID, err)
	}
	return nil
}

func copyTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	return append([]string(nil), tags...)
}
