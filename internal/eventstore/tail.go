package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unclebandit/campaign-core/internal/model"
)

const tailBatch = 500

// logReader is what the tail needs from a SQL backend.
type logReader interface {
	ReadByType(ctx context.Context, q TypeQuery) ([]model.StoredEvent, error)
	headPosition(ctx context.Context) (int64, error)
}

// logTail feeds the broker from the durable log, so appends committed by
// any process reach every subscription of this one. It runs while the
// broker has subscriptions and starts again on the next Subscribe.
//
// Positions are delivered without holes. A missing position is usually a
// transaction that reserved its sequence value but has not committed; the
// tail waits up to gapTimeout for it, then treats it as rolled back.
type logTail struct {
	reader     logReader
	broker     *Broker
	interval   time.Duration
	gapTimeout time.Duration
	log        *slog.Logger

	mu       sync.Mutex
	running  bool
	pos      int64
	gapSince time.Time
	wakeup   chan struct{}
}

func newLogTail(reader logReader, o options) *logTail {
	return &logTail{
		reader:     reader,
		broker:     o.broker,
		interval:   o.pollInterval,
		gapTimeout: o.gapTimeout,
		log:        o.log.With("component", "eventstore_tail"),
		wakeup:     make(chan struct{}, 1),
	}
}

// subscribe registers a subscription and makes sure the tail is running.
// The head position is read before registering, so the subscription sees
// every append committed after Subscribe returns.
func (t *logTail) subscribe(types []model.EventType) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		head, err := t.reader.headPosition(ctx)
		cancel()
		if err != nil {
			t.log.Error("read log head, tailing from the last known position", "position", t.pos, "error", err)
		} else {
			t.pos = head
		}
		t.gapSince = time.Time{}
		t.running = true
		go t.run()
	}
	return t.broker.Subscribe(types...)
}

// wake asks for a poll now instead of at the next tick.
func (t *logTail) wake() {
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

func (t *logTail) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.wakeup:
		}
		if t.stopIfIdle() {
			return
		}
		t.poll(context.Background())
	}
}

func (t *logTail) stopIfIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broker.count() > 0 {
		return false
	}
	t.running = false
	return true
}

// poll publishes every contiguous event after the current position.
func (t *logTail) poll(ctx context.Context) {
	for {
		t.mu.Lock()
		after := t.pos
		t.mu.Unlock()

		events, err := t.reader.ReadByType(ctx, TypeQuery{After: after, Limit: tailBatch})
		if err != nil {
			t.log.Warn("poll event log", "after", after, "error", err)
			return
		}
		ready, held := t.advance(events, time.Now())
		if len(ready) > 0 {
			t.broker.Publish(ready)
		}
		if held || len(events) < tailBatch {
			return
		}
	}
}

// advance takes the contiguous prefix of events and moves the position past
// it. held reports that a gap stopped it early.
func (t *logTail) advance(events []model.StoredEvent, now time.Time) (ready []model.StoredEvent, held bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, evt := range events {
		if evt.Position != t.pos+1 {
			if t.gapSince.IsZero() {
				t.gapSince = now
			}
			if now.Sub(t.gapSince) < t.gapTimeout {
				return events[:i], true
			}
			t.log.Warn("skipping log gap", "from", t.pos+1, "to", evt.Position-1)
		}
		t.pos = evt.Position
		t.gapSince = time.Time{}
	}
	return events, false
}
