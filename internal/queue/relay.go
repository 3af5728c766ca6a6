package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
)

// LifecycleEvents are the events collaborators are told about.
var LifecycleEvents = []model.EventType{
	model.EventCampaignStarted,
	model.EventCampaignPaused,
	model.EventCampaignCanceled,
	model.EventCampaignCompleted,
	model.EventCampaignFailed,
}

// DefaultRelayName is the relay's checkpoint name.
const DefaultRelayName = "lifecycle_relay"

// Relay republishes lifecycle events from the store to a Publisher. Delivery
// is at least once: events stored while the relay was down are sent on
// start, from the checkpoint on. A failed publish is retried, then logged
// and dropped.
type Relay struct {
	Store     eventstore.Store
	Publisher Publisher
	// Checkpoints defaults to process memory, which replays the whole
	// history on every start.
	Checkpoints eventstore.Checkpoints
	// Name defaults to DefaultRelayName.
	Name string
	// Types defaults to LifecycleEvents.
	Types    []model.EventType
	Attempts int
	Backoff  time.Duration
	Log      *slog.Logger
}

// Run forwards the backlog, then live events, until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	types := r.Types
	if len(types) == 0 {
		types = LifecycleEvents
	}
	cp := r.Checkpoints
	if cp == nil {
		cp = eventstore.NewMemoryCheckpoints()
	}
	name := r.Name
	if name == "" {
		name = DefaultRelayName
	}

	r.log().Info("relay running", "types", types)
	return eventstore.Follow(ctx, r.Store, cp, name, types, r.log(), r.Forward)
}

// Forward publishes one stored event as JSON, keyed by its type.
func (r *Relay) Forward(ctx context.Context, evt model.StoredEvent) error {
	msg, err := MessageFor(evt)
	if err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = r.Publisher.Publish(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		r.log().Warn("publish failed, retrying", "event_id", evt.ID, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.Backoff):
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", evt.ID, attempts, lastErr)
}

// MessageFor encodes a stored event in its wire JSON form.
func MessageFor(evt model.StoredEvent) (Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	return Message{
		ID:          evt.ID,
		Topic:       string(evt.Type),
		ContentType: "application/json",
		Body:        body,
		Headers: map[string]string{
			"aggregate_id": evt.AggregateID,
			"version":      strconv.Itoa(evt.Version),
		},
		Timestamp: evt.StoredAt,
	}, nil
}

func (r *Relay) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
