// internal/model/event.go
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of a campaign event.
type EventType string

// Campaign lifecycle events.
const (
	EventCampaignCreated   EventType = "campaign.created"
	EventCampaignUpdated   EventType = "campaign.updated"
	EventCampaignScheduled EventType = "campaign.scheduled"
	EventCampaignStarted   EventType = "campaign.started"
	EventCampaignPaused    EventType = "campaign.paused"
	EventCampaignCanceled  EventType = "campaign.canceled"
	EventCampaignCompleted EventType = "campaign.completed"
	EventCampaignFailed    EventType = "campaign.failed"
)

// AllEventTypes lists every campaign event type.
var AllEventTypes = []EventType{
	EventCampaignCreated,
	EventCampaignUpdated,
	EventCampaignScheduled,
	EventCampaignStarted,
	EventCampaignPaused,
	EventCampaignCanceled,
	EventCampaignCompleted,
	EventCampaignFailed,
}

// ParseEventType accepts either the full type ("campaign.started") or its
// short name ("started").
func ParseEventType(s string) (EventType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, ".") {
		s = "campaign." + s
	}
	for _, t := range AllEventTypes {
		if EventType(s) == t {
			return t, true
		}
	}
	return "", false
}

// EventMetadata carries optional tracing identifiers.
type EventMetadata struct {
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
}

// IsZero reports whether no identifier is set.
func (m EventMetadata) IsZero() bool {
	return m.CausationID == "" && m.CorrelationID == "" && m.ActorID == ""
}

// DomainEvent is an immutable fact about one campaign.
// Version is 1-based and gapless per aggregate.
type DomainEvent struct {
	Type        EventType       `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    *EventMetadata  `json:"metadata,omitempty"`
}

// StoredEvent is the durable record of a DomainEvent.
type StoredEvent struct {
	ID string `json:"id"`
	DomainEvent
	StoredAt time.Time `json:"storedAt"`
	// Position is the event's place in the store-wide log, increasing in
	// commit order. Zero when the backend has not assigned one.
	Position int64 `json:"position,omitempty"`
}

// DomainEvents strips the storage envelope.
func DomainEvents(stored []StoredEvent) []DomainEvent {
	out := make([]DomainEvent, len(stored))
	for i, s := range stored {
		out[i] = s.DomainEvent
	}
	return out
}

// Event payloads.

type CampaignCreated struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	ListIDs    []string `json:"listIds"`
	OwnerID    string   `json:"ownerId,omitempty"`
	TemplateID string   `json:"templateId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// CampaignUpdated holds the full editable fields after the update.
type CampaignUpdated struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	ListIDs    []string `json:"listIds"`
	TemplateID string   `json:"templateId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type CampaignScheduled struct {
	SendAt time.Time `json:"sendAt"`
}

type CampaignStarted struct {
	ResumedFrom CampaignStatus `json:"resumedFrom,omitempty"`
}

type CampaignPaused struct {
	Reason string `json:"reason,omitempty"`
}

type CampaignCanceled struct {
	Reason string `json:"reason,omitempty"`
}

type CampaignCompleted struct{}

type CampaignFailed struct {
	Reason string `json:"reason"`
}
