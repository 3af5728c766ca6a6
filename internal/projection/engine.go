// Package projection derives read views from the event stream. The engine
// feeds subscribed events through a pure projector into a view repository,
// keeping rows idempotent by per-aggregate version, and can rebuild the view
// from full history at any time.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/repository"
)

// ErrMalformed marks an event the projector cannot fold.
var ErrMalformed = errors.New("malformed event")

// maxFailures bounds the failure history kept in Health.
const maxFailures = 20

// Projector turns one event into the next state of a view row.
type Projector interface {
	Name() string
	Types() []model.EventType
	// Project returns the row after evt. current is nil when the aggregate
	// has no row yet.
	Project(current *model.CampaignView, evt model.StoredEvent) (model.CampaignView, error)
}

// Failure describes an event that could not be projected.
type Failure struct {
	EventID     string          `json:"eventId"`
	AggregateID string          `json:"aggregateId"`
	Type        model.EventType `json:"type"`
	Version     int             `json:"version"`
	Error       string          `json:"error"`
	At          time.Time       `json:"at"`
}

// Health is a snapshot of the engine state.
type Health struct {
	Projector   string    `json:"projector"`
	Degraded    bool      `json:"degraded"`
	Processed   uint64    `json:"processed"`
	Skipped     uint64    `json:"skipped"`
	Healed      uint64    `json:"healed"`
	LastEventID string    `json:"lastEventId,omitempty"`
	RebuiltAt   time.Time `json:"rebuiltAt,omitzero"`
	Failures    []Failure `json:"failures,omitempty"`
}

type Options struct {
	// CatchUp rebuilds the view from history when Run starts.
	CatchUp bool
	Logger  *slog.Logger
	Now     func() time.Time
}

type Engine struct {
	store     eventstore.Store
	views     repository.CampaignViewRepositoryInterface
	projector Projector
	opts      Options
	log       *slog.Logger

	// mu serializes live handling with Rebuild.
	mu sync.Mutex

	stateMu sync.Mutex
	health  Health
	notify  chan struct{}
	ready   chan struct{}
	once    sync.Once
}

func NewEngine(store eventstore.Store, views repository.CampaignViewRepositoryInterface, projector Projector, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     store,
		views:     views,
		projector: projector,
		opts:      opts,
		log:       log.With("projector", projector.Name()),
		health:    Health{Projector: projector.Name()},
		notify:    make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// Views exposes the repository the engine writes to.
func (e *Engine) Views() repository.CampaignViewRepositoryInterface {
	return e.views
}

// Ready is closed once Run has subscribed and finished its catch-up.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Run consumes the subscription until ctx is done. Handling errors never
// stop the loop; they are logged and recorded in Health.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.store.Subscribe(e.projector.Types()...)
	defer sub.Unsubscribe()

	if e.opts.CatchUp {
		if err := e.Rebuild(ctx); err != nil {
			return fmt.Errorf("catch up %s: %w", e.projector.Name(), err)
		}
	}
	e.once.Do(func() { close(e.ready) })
	e.log.Info("projection running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			e.mu.Lock()
			e.handle(ctx, evt)
			e.mu.Unlock()
		}
	}
}

// Rebuild drops the view and replays the full history in storage order,
// which is version order within each aggregate. A rebuild that stops early
// leaves the engine degraded, with the cause in its failures.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.store.ReadByType(ctx, eventstore.TypeQuery{Types: e.projector.Types()})
	if err != nil {
		return err
	}
	if err := e.views.Reset(ctx); err != nil {
		// Reset may have dropped some rows already.
		e.fail(model.StoredEvent{}, fmt.Errorf("rebuild: reset views: %w", err))
		return err
	}

	e.stateMu.Lock()
	e.health = Health{Projector: e.projector.Name()}
	e.stateMu.Unlock()

	for i, evt := range events {
		if err := ctx.Err(); err != nil {
			// The view holds only the first i events until the next rebuild.
			e.fail(evt, fmt.Errorf("rebuild interrupted after %d of %d events: %w", i, len(events), err))
			return err
		}
		e.handle(ctx, evt)
	}

	e.stateMu.Lock()
	e.health.RebuiltAt = e.opts.Now().UTC()
	e.stateMu.Unlock()
	e.log.Info("projection rebuilt", "events", len(events))
	return nil
}

// Health returns a copy of the current state.
func (e *Engine) Health() Health {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	h := e.health
	h.Failures = append([]Failure(nil), e.health.Failures...)
	return h
}

// WaitFor blocks until the aggregate's row reaches version or ctx is done.
func (e *Engine) WaitFor(ctx context.Context, aggregateID string, version int) error {
	for {
		e.stateMu.Lock()
		notify := e.notify
		e.stateMu.Unlock()

		v, err := e.views.Get(ctx, aggregateID)
		switch {
		case err == nil && v.Version >= version:
			return nil
		case err != nil && !errors.Is(err, appErrors.ErrNotFound):
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// handle applies one event, healing a version gap from the store first.
// Callers hold e.mu.
func (e *Engine) handle(ctx context.Context, evt model.StoredEvent) {
	current, err := e.row(ctx, evt.AggregateID)
	if err != nil {
		e.fail(evt, err)
		return
	}
	version := 0
	if current != nil {
		version = current.Version
	}

	if evt.Version <= version {
		e.count(func(h *Health) { h.Skipped++ })
		return
	}
	if evt.Version > version+1 {
		missing, err := e.store.Read(ctx, evt.AggregateID, version+1, evt.Version-1)
		if err != nil {
			e.fail(evt, fmt.Errorf("heal gap %d..%d: %w", version+1, evt.Version-1, err))
			return
		}
		for _, m := range missing {
			current = e.apply(ctx, current, m)
		}
		e.count(func(h *Health) { h.Healed += uint64(len(missing)) })
	}
	e.apply(ctx, current, evt)
}

// apply projects and stores one event and returns the resulting row. A
// malformed event still advances the row version so later events apply.
func (e *Engine) apply(ctx context.Context, current *model.CampaignView, evt model.StoredEvent) *model.CampaignView {
	if current != nil && evt.Version != current.Version+1 {
		e.fail(evt, fmt.Errorf("%w: version %d after %d", ErrMalformed, evt.Version, current.Version))
		return current
	}
	next, err := e.projector.Project(current, evt)
	if err != nil {
		e.fail(evt, err)
		if current == nil {
			return nil
		}
		skipped := *current
		skipped.Version = evt.Version
		if err := e.views.Upsert(ctx, skipped); err != nil {
			e.fail(evt, err)
			return current
		}
		e.advanced(evt, false)
		return &skipped
	}
	if err := e.views.Upsert(ctx, next); err != nil {
		e.fail(evt, err)
		return current
	}
	e.advanced(evt, true)
	return &next
}

// advanced records that a row moved to evt.Version and wakes WaitFor.
func (e *Engine) advanced(evt model.StoredEvent, processed bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if processed {
		e.health.Processed++
	}
	e.health.LastEventID = evt.ID
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *Engine) row(ctx context.Context, id string) (*model.CampaignView, error) {
	v, err := e.views.Get(ctx, id)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (e *Engine) fail(evt model.StoredEvent, err error) {
	e.log.Error("projection failed",
		"event_id", evt.ID,
		"aggregate_id", evt.AggregateID,
		"type", evt.Type,
		"version", evt.Version,
		"error", err,
	)
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.health.Degraded = true
	e.health.Failures = append(e.health.Failures, Failure{
		EventID:     evt.ID,
		AggregateID: evt.AggregateID,
		Type:        evt.Type,
		Version:     evt.Version,
		Error:       err.Error(),
		At:          e.opts.Now().UTC(),
	})
	if n := len(e.health.Failures); n > maxFailures {
		e.health.Failures = e.health.Failures[n-maxFailures:]
	}
}

func (e *Engine) count(fn func(*Health)) {
	e.stateMu.Lock()
	fn(&e.health)
	e.stateMu.Unlock()
}
