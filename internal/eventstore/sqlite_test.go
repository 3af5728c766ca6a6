package eventstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-core/internal/db"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/logger"
	"github.com/unclebandit/campaign-core/internal/model"
)

func openSQLite(t *testing.T, path string) *eventstore.SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), path, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return eventstore.NewSQLiteStore(conn)
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts ...eventstore.Option) eventstore.Store {
		conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"), logger.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return eventstore.NewSQLiteStore(conn, opts...)
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	first := openSQLite(t, path)
	stored, err := first.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated, model.EventCampaignStarted), 0)
	require.NoError(t, err)

	second := openSQLite(t, path)
	read, err := second.Read(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, stored, read)

	_, err = second.Append(ctx, "c-1", events("c-1", 3, model.EventCampaignCompleted), 2)
	require.NoError(t, err)
}

func TestSQLiteSubscriberSeesAppendsFromAnotherStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	open := func() *eventstore.SQLiteStore {
		conn, err := db.OpenSQLite(ctx, path, logger.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return eventstore.NewSQLiteStore(conn,
			eventstore.WithLogger(logger.Discard()),
			eventstore.WithPollInterval(10*time.Millisecond),
		)
	}
	server, worker := open(), open()

	_, err := server.Append(ctx, "c-0", events("c-0", 1, model.EventCampaignCreated), 0)
	require.NoError(t, err)

	sub := server.Subscribe(model.EventCampaignCreated, model.EventCampaignStarted)
	defer sub.Unsubscribe()

	_, err = worker.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated, model.EventCampaignStarted), 0)
	require.NoError(t, err)
	_, err = server.Append(ctx, "c-2", events("c-2", 1, model.EventCampaignCreated), 0)
	require.NoError(t, err)

	first, second, third := next(t, sub), next(t, sub), next(t, sub)
	assert.Equal(t, "c-1", first.AggregateID)
	assert.Equal(t, model.EventCampaignStarted, second.Type)
	assert.Equal(t, "c-2", third.AggregateID)
	assert.Less(t, first.Position, second.Position)
	assert.Less(t, second.Position, third.Position)

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSQLiteWakeSkipsThePollInterval(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	conn, err := db.OpenSQLite(ctx, path, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	reader := eventstore.NewSQLiteStore(conn, eventstore.WithPollInterval(time.Hour))
	writer := openSQLite(t, path)

	sub := reader.Subscribe()
	defer sub.Unsubscribe()

	_, err = writer.Append(ctx, "c-1", events("c-1", 1, model.EventCampaignCreated), 0)
	require.NoError(t, err)
	reader.Wake()

	assert.Equal(t, "c-1", next(t, sub).AggregateID)
}

func TestSQLiteCheckpoints(t *testing.T) {
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	runCheckpointContract(t, eventstore.NewSQLiteCheckpoints(conn))
}
