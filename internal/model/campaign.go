// internal/model/campaign.go
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
)

// ErrMalformedEvent marks an event that cannot be folded into a campaign.
var ErrMalformedEvent = errors.New("malformed event")

// Campaign is the event-sourced aggregate root. Its state is only ever
// changed by Apply; command methods decide and then raise an event.
type Campaign struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Subject       string         `json:"subject"`
	Content       string         `json:"content"`
	ListIDs       []string       `json:"listIds"`
	Status        CampaignStatus `json:"status"`
	ScheduledAt   *time.Time     `json:"scheduledAt,omitempty"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	OwnerID       string         `json:"ownerId,omitempty"`
	TemplateID    string         `json:"templateId,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     *time.Time     `json:"updatedAt,omitempty"`
	Version       int            `json:"version"`

	changes []DomainEvent
}

// CreateCampaign is the input of NewCampaign.
type CreateCampaign struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	ListIDs    []string `json:"lists"`
	OwnerID    string   `json:"ownerId,omitempty"`
	TemplateID string   `json:"templateId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// UpdateCampaign is a partial patch; nil fields keep their current value.
type UpdateCampaign struct {
	Name       *string   `json:"name,omitempty"`
	Subject    *string   `json:"subject,omitempty"`
	Content    *string   `json:"content,omitempty"`
	ListIDs    *[]string `json:"lists,omitempty"`
	TemplateID *string   `json:"templateId,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
}

// NewCampaign decides the creation of a campaign with the given ID.
func NewCampaign(id string, in CreateCampaign, now time.Time) (*Campaign, error) {
	if _, err := Transition("", OpCreate); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, appErrors.NewValidationFailed("id", "is required")
	}
	payload := CampaignCreated{
		Name:       strings.TrimSpace(in.Name),
		Subject:    strings.TrimSpace(in.Subject),
		Content:    strings.TrimSpace(in.Content),
		ListIDs:    trimAll(in.ListIDs),
		OwnerID:    strings.TrimSpace(in.OwnerID),
		TemplateID: strings.TrimSpace(in.TemplateID),
		Tags:       cleanTags(in.Tags),
	}
	if err := ValidateStruct(campaignContent{
		Name:    payload.Name,
		Subject: payload.Subject,
		Content: payload.Content,
		ListIDs: payload.ListIDs,
	}); err != nil {
		return nil, err
	}

	c := &Campaign{ID: id}
	if err := c.raise(EventCampaignCreated, payload, now); err != nil {
		return nil, err
	}
	return c, nil
}

// Update edits the content of a draft campaign.
func (c *Campaign) Update(in UpdateCampaign, now time.Time) error {
	if _, err := Transition(c.Status, OpUpdate); err != nil {
		return err
	}
	merged := CampaignUpdated{
		Name:       c.Name,
		Subject:    c.Subject,
		Content:    c.Content,
		ListIDs:    append([]string(nil), c.ListIDs...),
		TemplateID: c.TemplateID,
		Tags:       append([]string(nil), c.Tags...),
	}
	if in.Name != nil {
		merged.Name = strings.TrimSpace(*in.Name)
	}
	if in.Subject != nil {
		merged.Subject = strings.TrimSpace(*in.Subject)
	}
	if in.Content != nil {
		merged.Content = strings.TrimSpace(*in.Content)
	}
	if in.ListIDs != nil {
		merged.ListIDs = trimAll(*in.ListIDs)
	}
	if in.TemplateID != nil {
		merged.TemplateID = strings.TrimSpace(*in.TemplateID)
	}
	if in.Tags != nil {
		merged.Tags = cleanTags(*in.Tags)
	}
	if err := ValidateStruct(campaignContent{
		Name:    merged.Name,
		Subject: merged.Subject,
		Content: merged.Content,
		ListIDs: merged.ListIDs,
	}); err != nil {
		return err
	}
	return c.raise(EventCampaignUpdated, merged, now)
}

// Schedule sets a future send time.
func (c *Campaign) Schedule(sendAt, now time.Time) error {
	if _, err := Transition(c.Status, OpSchedule); err != nil {
		return err
	}
	if !sendAt.After(now) {
		return appErrors.NewValidationFailed("sendAt", "must be in the future")
	}
	return c.raise(EventCampaignScheduled, CampaignScheduled{SendAt: sendAt.UTC()}, now)
}

// Start begins or resumes sending.
func (c *Campaign) Start(now time.Time) error {
	if _, err := Transition(c.Status, OpStart); err != nil {
		return err
	}
	return c.raise(EventCampaignStarted, CampaignStarted{ResumedFrom: c.Status}, now)
}

func (c *Campaign) Pause(reason string, now time.Time) error {
	if _, err := Transition(c.Status, OpPause); err != nil {
		return err
	}
	return c.raise(EventCampaignPaused, CampaignPaused{Reason: strings.TrimSpace(reason)}, now)
}

func (c *Campaign) Cancel(reason string, now time.Time) error {
	if _, err := Transition(c.Status, OpCancel); err != nil {
		return err
	}
	return c.raise(EventCampaignCanceled, CampaignCanceled{Reason: strings.TrimSpace(reason)}, now)
}

func (c *Campaign) Complete(now time.Time) error {
	if _, err := Transition(c.Status, OpComplete); err != nil {
		return err
	}
	return c.raise(EventCampaignCompleted, CampaignCompleted{}, now)
}

// Fail marks a sending campaign as failed; reason is required.
func (c *Campaign) Fail(reason string, now time.Time) error {
	if _, err := Transition(c.Status, OpFail); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return appErrors.NewValidationFailed("reason", "is required")
	}
	return c.raise(EventCampaignFailed, CampaignFailed{Reason: reason}, now)
}

// Changes returns the events raised since the campaign was loaded.
func (c *Campaign) Changes() []DomainEvent {
	return append([]DomainEvent(nil), c.changes...)
}

// ClearChanges forgets raised events once they are persisted.
func (c *Campaign) ClearChanges() {
	c.changes = nil
}

// LoadedVersion is the version the campaign had before any raised event,
// i.e. the expected version for the next append.
func (c *Campaign) LoadedVersion() int {
	return c.Version - len(c.changes)
}

func (c *Campaign) raise(t EventType, payload any, now time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	evt := DomainEvent{
		Type:        t,
		AggregateID: c.ID,
		Version:     c.Version + 1,
		Timestamp:   now.UTC(),
		Payload:     data,
	}
	if err := c.Apply(evt); err != nil {
		return err
	}
	c.changes = append(c.changes, evt)
	return nil
}

// Apply folds one historical event into the campaign without checking
// transition guards. The event must be the next version of this aggregate.
func (c *Campaign) Apply(evt DomainEvent) error {
	if c.ID != "" && evt.AggregateID != c.ID {
		return fmt.Errorf("%w: event for %s applied to %s", ErrMalformedEvent, evt.AggregateID, c.ID)
	}
	if evt.Version != c.Version+1 {
		return fmt.Errorf("%w: %s version %d applied at version %d", ErrMalformedEvent, evt.Type, evt.Version, c.Version)
	}

	ts := evt.Timestamp
	switch evt.Type {
	case EventCampaignCreated:
		var p CampaignCreated
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.ID = evt.AggregateID
		c.Name = p.Name
		c.Subject = p.Subject
		c.Content = p.Content
		c.ListIDs = append([]string(nil), p.ListIDs...)
		c.OwnerID = p.OwnerID
		c.TemplateID = p.TemplateID
		c.Tags = append([]string(nil), p.Tags...)
		c.Status = StatusDraft
		c.CreatedAt = ts
	case EventCampaignUpdated:
		var p CampaignUpdated
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.Name = p.Name
		c.Subject = p.Subject
		c.Content = p.Content
		c.ListIDs = append([]string(nil), p.ListIDs...)
		c.TemplateID = p.TemplateID
		c.Tags = append([]string(nil), p.Tags...)
	case EventCampaignScheduled:
		var p CampaignScheduled
		if err := decode(evt, &p); err != nil {
			return err
		}
		sendAt := p.SendAt
		c.ScheduledAt = &sendAt
		c.Status = StatusScheduled
	case EventCampaignStarted:
		if c.SentAt == nil {
			c.SentAt = &ts
		}
		c.Status = StatusSending
	case EventCampaignPaused:
		c.Status = StatusPaused
	case EventCampaignCanceled:
		c.Status = StatusCanceled
	case EventCampaignCompleted:
		c.Status = StatusCompleted
	case EventCampaignFailed:
		var p CampaignFailed
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.FailureReason = p.Reason
		c.Status = StatusFailed
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, evt.Type)
	}

	if evt.Type != EventCampaignCreated {
		c.UpdatedAt = &ts
	}
	c.Version = evt.Version
	return nil
}

// ReplayCampaign folds an ordered event stream over an empty campaign.
func ReplayCampaign(events []DomainEvent) (*Campaign, error) {
	c := &Campaign{}
	for _, evt := range events {
		if err := c.Apply(evt); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func decode(evt DomainEvent, v any) error {
	data := evt.Payload
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s version %d: %v", ErrMalformedEvent, evt.Type, evt.Version, err)
	}
	return nil
}

func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
