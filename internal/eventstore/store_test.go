package eventstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// fakeClock advances one second per reading.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func events(aggregateID string, from int, types ...model.EventType) []model.DomainEvent {
	out := make([]model.DomainEvent, len(types))
	for i, typ := range types {
		out[i] = model.DomainEvent{
			Type:        typ,
			AggregateID: aggregateID,
			Version:     from + i,
			Timestamp:   t0,
			Payload:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, from+i)),
		}
	}
	return out
}

func next(t *testing.T, sub *eventstore.Subscription) model.StoredEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.StoredEvent{}
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T, opts ...eventstore.Option) eventstore.Store) {
	ctx := context.Background()

	t.Run("append and read", func(t *testing.T) {
		s := newStore(t, eventstore.WithClock(newFakeClock().Now))

		stored, err := s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated, model.EventCampaignUpdated), 0)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.NotEmpty(t, stored[0].ID)
		assert.NotEqual(t, stored[0].ID, stored[1].ID)
		assert.Equal(t, stored[0].StoredAt, stored[1].StoredAt, "one batch shares a stored-at time")

		read, err := s.Read(ctx, "c-1", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, stored, read)

		version, err := s.LatestVersion(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 2, version)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		s := newStore(t)

		read, err := s.Read(ctx, "missing", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, read)

		version, err := s.LatestVersion(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("read bounds", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "c-1", events("c-1", 1,
			model.EventCampaignCreated, model.EventCampaignUpdated, model.EventCampaignScheduled, model.EventCampaignStarted), 0)
		require.NoError(t, err)

		read, err := s.Read(ctx, "c-1", 2, 3)
		require.NoError(t, err)
		require.Len(t, read, 2)
		assert.Equal(t, 2, read[0].Version)
		assert.Equal(t, 3, read[1].Version)

		read, err = s.Read(ctx, "c-1", 3, 0)
		require.NoError(t, err)
		require.Len(t, read, 2)
		assert.Equal(t, 4, read[1].Version)
	})

	t.Run("expected version mismatch writes nothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated), 0)
		require.NoError(t, err)

		_, err = s.Append(ctx, "c-1", events("c-1", 2, model.EventCampaignUpdated, model.EventCampaignScheduled), 3)
		require.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)

		_, err = s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated), 0)
		require.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)

		version, err := s.LatestVersion(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 1, version)
	})

	t.Run("any version still requires the next version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated), eventstore.AnyVersion)
		require.NoError(t, err)

		_, err = s.Append(ctx, "c-1", events("c-1", 2, model.EventCampaignUpdated), eventstore.AnyVersion)
		require.NoError(t, err)

		_, err = s.Append(ctx, "c-1", events("c-1", 5, model.EventCampaignUpdated), eventstore.AnyVersion)
		require.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
	})

	t.Run("invalid batches", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Append(ctx, "c-1", nil, 0)
		assert.ErrorIs(t, err, eventstore.ErrInvalidBatch)

		_, err = s.Append(ctx, "", events("", 1, model.EventCampaignCreated), 0)
		assert.ErrorIs(t, err, eventstore.ErrInvalidBatch)

		_, err = s.Append(ctx, "c-1", events("c-2", 1, model.EventCampaignCreated), 0)
		assert.ErrorIs(t, err, eventstore.ErrInvalidBatch)

		batch := events("c-1", 1, model.EventCampaignCreated, model.EventCampaignUpdated)
		batch[1].Version = 3
		_, err = s.Append(ctx, "c-1", batch, 0)
		assert.ErrorIs(t, err, eventstore.ErrInvalidBatch)

		version, err := s.LatestVersion(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("metadata round trip", func(t *testing.T) {
		s := newStore(t)
		batch := events("c-1", 1, model.EventCampaignCreated, model.EventCampaignUpdated)
		batch[0].Metadata = &model.EventMetadata{CorrelationID: "corr-1", ActorID: "u-1"}
		batch[1].Metadata = &model.EventMetadata{}

		_, err := s.Append(ctx, "c-1", batch, 0)
		require.NoError(t, err)

		read, err := s.Read(ctx, "c-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, read, 2)
		require.NotNil(t, read[0].Metadata)
		assert.Equal(t, "corr-1", read[0].Metadata.CorrelationID)
		assert.Equal(t, "u-1", read[0].Metadata.ActorID)
		assert.Nil(t, read[1].Metadata, "empty metadata is dropped")
	})

	t.Run("read by type in storage order", func(t *testing.T) {
		s := newStore(t, eventstore.WithClock(newFakeClock().Now))
		_, err := s.Append(ctx, "a", events("a", 1, model.EventCampaignCreated), 0)
		require.NoError(t, err)
		_, err = s.Append(ctx, "b", events("b", 1, model.EventCampaignCreated), 0)
		require.NoError(t, err)
		_, err = s.Append(ctx, "a", events("a", 2, model.EventCampaignStarted), 1)
		require.NoError(t, err)
		_, err = s.Append(ctx, "b", events("b", 2, model.EventCampaignCanceled), 1)
		require.NoError(t, err)

		all, err := s.ReadByType(ctx, eventstore.TypeQuery{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{"a", "b", "a", "b"}, []string{all[0].AggregateID, all[1].AggregateID, all[2].AggregateID, all[3].AggregateID})

		created, err := s.ReadByType(ctx, eventstore.TypeQuery{Types: []model.EventType{model.EventCampaignCreated}})
		require.NoError(t, err)
		require.Len(t, created, 2)
		assert.Equal(t, "a", created[0].AggregateID)

		limited, err := s.ReadByType(ctx, eventstore.TypeQuery{
			Types: []model.EventType{model.EventCampaignStarted, model.EventCampaignCanceled},
			Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, model.EventCampaignStarted, limited[0].Type)

		// Each append took one clock tick: t0+1s .. t0+4s.
		window, err := s.ReadByType(ctx, eventstore.TypeQuery{From: t0.Add(2 * time.Second), To: t0.Add(4 * time.Second)})
		require.NoError(t, err)
		require.Len(t, window, 2)
		assert.Equal(t, "b", window[0].AggregateID)
		assert.Equal(t, 1, window[0].Version)
		assert.Equal(t, "a", window[1].AggregateID)
		assert.Equal(t, 2, window[1].Version)
	})

	t.Run("log positions follow commit order", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "a", events("a", 1, model.EventCampaignCreated, model.EventCampaignScheduled), 0)
		require.NoError(t, err)
		_, err = s.Append(ctx, "b", events("b", 1, model.EventCampaignCreated), 0)
		require.NoError(t, err)

		all, err := s.ReadByType(ctx, eventstore.TypeQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Positive(t, all[0].Position)
		assert.Less(t, all[0].Position, all[1].Position)
		assert.Less(t, all[1].Position, all[2].Position)

		after, err := s.ReadByType(ctx, eventstore.TypeQuery{After: all[0].Position})
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, model.EventCampaignScheduled, after[0].Type)

		created, err := s.ReadByType(ctx, eventstore.TypeQuery{Types: []model.EventType{model.EventCampaignCreated}, After: all[0].Position})
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, "b", created[0].AggregateID)
	})

	t.Run("concurrent appends have exactly one winner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated), 0)
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, "c-1", events("c-1", 2, model.EventCampaignStarted), 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case appErrors.CodeOf(err) == appErrors.CodeConcurrencyConflict:
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
		version, err := s.LatestVersion(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 2, version)
	})

	t.Run("subscribers see appends in order", func(t *testing.T) {
		s := newStore(t)
		all := s.Subscribe()
		defer all.Unsubscribe()
		started := s.Subscribe(model.EventCampaignStarted)
		defer started.Unsubscribe()

		_, err := s.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated, model.EventCampaignStarted), 0)
		require.NoError(t, err)
		_, err = s.Append(ctx, "c-1", events("c-1", 3, model.EventCampaignPaused), 2)
		require.NoError(t, err)

		for v := 1; v <= 3; v++ {
			assert.Equal(t, v, next(t, all).Version)
		}
		evt := next(t, started)
		assert.Equal(t, model.EventCampaignStarted, evt.Type)
		assert.Equal(t, 2, evt.Version)
	})

	t.Run("rejected append publishes nothing", func(t *testing.T) {
		s := newStore(t)
		sub := s.Subscribe()
		defer sub.Unsubscribe()

		_, err := s.Append(ctx, "c-1", events("c-1", 2, model.EventCampaignUpdated), 1)
		require.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)

		select {
		case evt := <-sub.Events():
			t.Fatalf("unexpected event %v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Append(cctx, "c-1", events("c-1", 1, model.EventCampaignCreated), 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
