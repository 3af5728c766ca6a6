package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// Both SQL backends keep times as Unix nanoseconds so that events read back
// from disk compare equal to the ones published at append time.

const eventColumns = `id, aggregate_id, type, version, occurred_at, stored_at, payload, metadata`

const selectColumns = `seq, ` + eventColumns

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func encodeMetadata(m *model.EventMetadata) (sql.NullString, error) {
	if m == nil || m.IsZero() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanEvents(rows *sql.Rows) ([]model.StoredEvent, error) {
	defer rows.Close()

	var out []model.StoredEvent
	for rows.Next() {
		var (
			evt        model.StoredEvent
			eventType  string
			occurredAt int64
			storedAt   int64
			payload    []byte
			metadata   sql.NullString
		)
		if err := rows.Scan(&evt.Position, &evt.ID, &evt.AggregateID, &eventType, &evt.Version, &occurredAt, &storedAt, &payload, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = model.EventType(eventType)
		evt.Timestamp = fromNanos(occurredAt)
		evt.StoredAt = fromNanos(storedAt)
		evt.Payload = json.RawMessage(payload)
		if metadata.Valid && metadata.String != "" {
			var m model.EventMetadata
			if err := json.Unmarshal([]byte(metadata.String), &m); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", evt.ID, err)
			}
			evt.Metadata = &m
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// conflictAfterRace reports a unique-index violation: another writer
// appended the same version between our read and our insert.
func conflictAfterRace(aggregateID string, expected, observed int) error {
	if expected == AnyVersion {
		expected = observed
	}
	return appErrors.NewConcurrencyConflict(aggregateID, expected, observed+1)
}

// readError keeps context cancellation visible to the caller.
func readError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable(op, err)
}
