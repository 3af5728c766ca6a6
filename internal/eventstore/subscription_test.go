package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/logger"
	"github.com/unclebandit/campaign-core/internal/model"
)

func storedEvent(aggregateID string, version int, typ model.EventType) model.StoredEvent {
	return model.StoredEvent{
		ID: fmt.Sprintf("%s-%d", aggregateID, version),
		DomainEvent: model.DomainEvent{
			Type:        typ,
			AggregateID: aggregateID,
			Version:     version,
		},
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := eventstore.NewBroker(logger.Discard())
	defer broker.Close()
	sub := broker.Subscribe()

	done := make(chan struct{})
	go func() {
		for v := 1; v <= 500; v++ {
			broker.Publish([]model.StoredEvent{storedEvent("c-1", v, model.EventCampaignUpdated)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}

	for v := 1; v <= 500; v++ {
		require.Equal(t, v, next(t, sub).Version)
	}
	assert.Equal(t, 0, sub.Pending())
}

func TestUnsubscribeClosesEvents(t *testing.T) {
	broker := eventstore.NewBroker(nil)
	sub := broker.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}

	// Publishing after unsubscribe is harmless.
	broker.Publish([]model.StoredEvent{storedEvent("c-1", 1, model.EventCampaignCreated)})
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	broker := eventstore.NewBroker(nil)
	sub := broker.Subscribe()
	broker.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}

	late := broker.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok, "subscribing to a closed broker yields a closed subscription")
}

func TestSubscriptionFiltersTypes(t *testing.T) {
	broker := eventstore.NewBroker(nil)
	defer broker.Close()
	sub := broker.Subscribe(model.EventCampaignFailed, model.EventCampaignCompleted)

	broker.Publish([]model.StoredEvent{
		storedEvent("c-1", 1, model.EventCampaignCreated),
		storedEvent("c-1", 2, model.EventCampaignStarted),
		storedEvent("c-1", 3, model.EventCampaignCompleted),
		storedEvent("c-2", 3, model.EventCampaignFailed),
	})

	assert.Equal(t, model.EventCampaignCompleted, next(t, sub).Type)
	assert.Equal(t, model.EventCampaignFailed, next(t, sub).Type)
}

func TestListenContinuesAfterCallbackError(t *testing.T) {
	broker := eventstore.NewBroker(nil)
	defer broker.Close()
	sub := broker.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []int
	)
	finished := make(chan struct{})
	go func() {
		eventstore.Listen(ctx, sub, logger.Discard(), func(_ context.Context, evt model.StoredEvent) error {
			mu.Lock()
			seen = append(seen, evt.Version)
			n := len(seen)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
			if evt.Version == 1 {
				return errors.New("boom")
			}
			return nil
		})
		close(finished)
	}()

	broker.Publish([]model.StoredEvent{
		storedEvent("c-1", 1, model.EventCampaignCreated),
		storedEvent("c-1", 2, model.EventCampaignUpdated),
		storedEvent("c-1", 3, model.EventCampaignUpdated),
	})

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
}
