package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/unclebandit/campaign-core/internal/model"
)

// Broker fans freshly appended events out to subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	log    *slog.Logger
}

// NewBroker creates a broker; a nil logger uses slog.Default.
func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{subs: make(map[*Subscription]struct{}), log: log}
}

// Subscribe registers interest in the given types (all types when empty).
func (b *Broker) Subscribe(types ...model.EventType) *Subscription {
	s := &Subscription{
		types:  typeSet(types),
		signal: make(chan struct{}, 1),
		out:    make(chan model.StoredEvent),
		done:   make(chan struct{}),
		broker: b,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues events on every matching subscription. It never blocks
// on a slow consumer.
func (b *Broker) Publish(events []model.StoredEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.enqueue(events)
	}
	b.log.Debug("events published", "count", len(events), "subscribers", len(b.subs))
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

func (b *Broker) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription delivers matching events in append order on Events().
// Pending events are buffered without bound so appends never wait.
type Subscription struct {
	types map[model.EventType]bool

	mu    sync.Mutex
	queue []model.StoredEvent

	signal chan struct{}
	out    chan model.StoredEvent
	done   chan struct{}
	once   sync.Once
	broker *Broker
}

// Events is closed after Unsubscribe.
func (s *Subscription) Events() <-chan model.StoredEvent {
	return s.out
}

// Unsubscribe stops delivery; events still queued are dropped.
func (s *Subscription) Unsubscribe() {
	s.broker.remove(s)
	s.stop()
}

// Pending is the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(events []model.StoredEvent) {
	s.mu.Lock()
	added := false
	for _, evt := range events {
		if matchesType(s.types, evt.Type) {
			s.queue = append(s.queue, evt)
			added = true
		}
	}
	s.mu.Unlock()
	if !added {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = model.StoredEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

// Listen runs fn for every delivered event until ctx is done or the
// subscription ends. A failing callback is logged and the loop moves on.
func Listen(ctx context.Context, sub *Subscription, log *slog.Logger, fn func(context.Context, model.StoredEvent) error) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := fn(ctx, evt); err != nil {
				log.Error("subscriber failed",
					"event_id", evt.ID,
					"event_type", evt.Type,
					"aggregate_id", evt.AggregateID,
					"version", evt.Version,
					"error", err,
				)
			}
		}
	}
}
