package eventstore

import (
	"context"
	"sync"

	"github.com/unclebandit/campaign-core/internal/model"
)

// MemoryStore keeps every stream in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]model.StoredEvent
	all     []model.StoredEvent
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]model.StoredEvent),
		opts:    buildOptions(opts),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, events []model.DomainEvent, expectedVersion int) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBatch(aggregateID, events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.streams[aggregateID])
	if err := checkVersion(aggregateID, events, expectedVersion, current); err != nil {
		return nil, err
	}
	stored := s.opts.envelope(events)
	for i := range stored {
		stored[i].Position = int64(len(s.all) + i + 1)
	}
	s.streams[aggregateID] = append(s.streams[aggregateID], stored...)
	s.all = append(s.all, stored...)

	// Publishing under the write lock keeps per-stream delivery order equal
	// to append order.
	s.opts.broker.Publish(stored)
	return copyEvents(stored), nil
}

func (s *MemoryStore) Read(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.StoredEvent
	for _, evt := range s.streams[aggregateID] {
		if fromVersion > 0 && evt.Version < fromVersion {
			continue
		}
		if toVersion > 0 && evt.Version > toVersion {
			break
		}
		out = append(out, evt)
	}
	return copyEvents(out), nil
}

func (s *MemoryStore) ReadByType(ctx context.Context, q TypeQuery) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	types := typeSet(q.Types)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.StoredEvent
	for _, evt := range s.all {
		if !matchesType(types, evt.Type) || !inRange(q, evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return copyEvents(out), nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, aggregateID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[aggregateID]), nil
}

func (s *MemoryStore) Subscribe(types ...model.EventType) *Subscription {
	return s.opts.broker.Subscribe(types...)
}

// copyEvents detaches results from the store's internal slices.
func copyEvents(events []model.StoredEvent) []model.StoredEvent {
	if events == nil {
		return nil
	}
	out := make([]model.StoredEvent, len(events))
	copy(out, events)
	return out
}
