// Package eventstore is the append-only, per-aggregate ordered event log.
//
// Every backend offers the same contract: atomic appends guarded by the
// aggregate's expected version, version-ordered stream reads, type queries in
// storage order, and channel-based subscriptions fed after an append is
// durable. Concurrency conflicts and storage failures are reported with the
// appErrors taxonomy; an append is never partially applied.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// AnyVersion disables the expected-version check on Append.
const AnyVersion = -1

// ErrInvalidBatch is returned for batches that could never be appended.
var ErrInvalidBatch = errors.New("invalid event batch")

// TypeQuery selects events across aggregates. Empty Types selects every
// type. From is inclusive and To exclusive; zero times are unbounded. After
// keeps only events whose log position is greater. A non-positive Limit
// means no limit.
type TypeQuery struct {
	Types []model.EventType
	From  time.Time
	To    time.Time
	After int64
	Limit int
}

// Store is the event store contract shared by every backend.
type Store interface {
	// Append writes events atomically. When expectedVersion is not AnyVersion
	// it must equal the aggregate's latest version or nothing is written and
	// a ConcurrencyConflict is returned.
	Append(ctx context.Context, aggregateID string, events []model.DomainEvent, expectedVersion int) ([]model.StoredEvent, error)
	// Read returns the aggregate's events in ascending version order, bounded
	// by fromVersion and toVersion when they are positive.
	Read(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]model.StoredEvent, error)
	ReadByType(ctx context.Context, q TypeQuery) ([]model.StoredEvent, error)
	// LatestVersion is 0 for an aggregate without events.
	LatestVersion(ctx context.Context, aggregateID string) (int, error)
	Subscribe(types ...model.EventType) *Subscription
}

type options struct {
	now    func() time.Time
	newID  func() string
	broker *Broker
	log    *slog.Logger

	// SQL backends only.
	localOnly    bool
	pollInterval time.Duration
	gapTimeout   time.Duration
}

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultGapTimeout   = 5 * time.Second
)

// Option configures a store backend.
type Option func(*options)

// WithClock overrides the stored-at clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBroker shares a subscription broker between stores.
func WithBroker(b *Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithLogger sets the logger of the SQL log tail.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPollInterval sets how often SQL backends poll the log for appends
// made by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithGapTimeout sets how long the SQL log tail waits for a missing
// position, held by a transaction still in flight, before skipping it.
func WithGapTimeout(d time.Duration) Option {
	return func(o *options) { o.gapTimeout = d }
}

// WithLocalDelivery makes a SQL backend publish its own appends directly
// instead of tailing the shared log. Subscribers then miss appends made by
// other processes.
func WithLocalDelivery() Option {
	return func(o *options) { o.localOnly = true }
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.broker == nil {
		o.broker = NewBroker(o.log)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.gapTimeout <= 0 {
		o.gapTimeout = defaultGapTimeout
	}
	return o
}

// envelope stamps storage identity on a validated batch.
func (o options) envelope(events []model.DomainEvent) []model.StoredEvent {
	storedAt := o.now().UTC()
	out := make([]model.StoredEvent, len(events))
	for i, evt := range events {
		evt.Timestamp = evt.Timestamp.UTC()
		if evt.Metadata != nil && evt.Metadata.IsZero() {
			evt.Metadata = nil
		}
		out[i] = model.StoredEvent{
			ID:          o.newID(),
			DomainEvent: evt,
			StoredAt:    storedAt,
		}
	}
	return out
}

// checkBatch rejects batches that are malformed regardless of stored state.
func checkBatch(aggregateID string, events []model.DomainEvent) error {
	if aggregateID == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidBatch)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidBatch)
	}
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return fmt.Errorf("%w: event %d belongs to %q", ErrInvalidBatch, i, evt.AggregateID)
		}
		if evt.Type == "" {
			return fmt.Errorf("%w: event %d has no type", ErrInvalidBatch, i)
		}
		if i > 0 && evt.Version != events[i-1].Version+1 {
			return fmt.Errorf("%w: versions are not contiguous at %d", ErrInvalidBatch, i)
		}
	}
	return nil
}

// checkVersion applies the optimistic concurrency guard against the
// aggregate's current version.
func checkVersion(aggregateID string, events []model.DomainEvent, expected, current int) error {
	if expected != AnyVersion && expected != current {
		return appErrors.NewConcurrencyConflict(aggregateID, expected, current)
	}
	if events[0].Version != current+1 {
		return appErrors.NewConcurrencyConflict(aggregateID, events[0].Version-1, current)
	}
	return nil
}

func matchesType(types map[model.EventType]bool, t model.EventType) bool {
	return len(types) == 0 || types[t]
}

func typeSet(types []model.EventType) map[model.EventType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[model.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func inRange(q TypeQuery, evt model.StoredEvent) bool {
	storedAt := evt.StoredAt
	if q.After > 0 && evt.Position <= q.After {
		return false
	}
	if !q.From.IsZero() && storedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !storedAt.Before(q.To) {
		return false
	}
	return true
}

func unavailable(op string, err error) error {
	return appErrors.NewStorageUnavailable(op, err)
}
