package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-core/internal/model"
)

const pqUniqueViolation = "23505"

// AppendChannel is notified, at commit, of every append.
const AppendChannel = "campaign_events"

// PostgresStore persists events in PostgreSQL. Appends to one aggregate are
// serialized with a transaction-scoped advisory lock on its ID.
type PostgresStore struct {
	db    *sql.DB
	opts  options
	locks keyedMutex
	tail  *logTail
}

// NewPostgresStore tails the events table for subscriptions unless
// WithLocalDelivery is given. Feed notifications from ListenForAppends to
// Wake to see other processes' appends without waiting for the poll.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{db: db, opts: buildOptions(opts)}
	if !s.opts.localOnly {
		s.tail = newLogTail(s, s.opts)
	}
	return s
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Waker = (*PostgresStore)(nil)
)

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, events []model.DomainEvent, expectedVersion int) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBatch(aggregateID, events); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(aggregateID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID); err != nil {
		return nil, unavailable("lock stream", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&current); err != nil {
		return nil, unavailable("read latest version", err)
	}
	if err := checkVersion(aggregateID, events, expectedVersion, current); err != nil {
		return nil, err
	}

	stored := s.opts.envelope(events)
	for i, evt := range stored {
		metadata, err := encodeMetadata(evt.Metadata)
		if err != nil {
			return nil, err
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING seq
		`,
			evt.ID,
			evt.AggregateID,
			string(evt.Type),
			evt.Version,
			toNanos(evt.Timestamp),
			toNanos(evt.StoredAt),
			string(evt.Payload),
			metadata,
		).Scan(&stored[i].Position); err != nil {
			if isUniqueViolation(err) {
				return nil, conflictAfterRace(aggregateID, expectedVersion, current)
			}
			return nil, unavailable("insert event", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, AppendChannel, aggregateID); err != nil {
		return nil, unavailable("notify append", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit append", err)
	}

	s.publish(stored)
	return stored, nil
}

func (s *PostgresStore) Read(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]model.StoredEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE aggregate_id = $1`
	args := []any{aggregateID}
	if fromVersion > 0 {
		args = append(args, fromVersion)
		query += fmt.Sprintf(" AND version >= $%d", len(args))
	}
	if toVersion > 0 {
		args = append(args, toVersion)
		query += fmt.Sprintf(" AND version <= $%d", len(args))
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError(ctx, "read stream", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, readError(ctx, "read stream", err)
	}
	return events, nil
}

func (s *PostgresStore) ReadByType(ctx context.Context, q TypeQuery) ([]model.StoredEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE 1=1`
	var args []any
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, toNanos(q.From))
		query += fmt.Sprintf(" AND stored_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, toNanos(q.To))
		query += fmt.Sprintf(" AND stored_at < $%d", len(args))
	}
	if q.After > 0 {
		args = append(args, q.After)
		query += fmt.Sprintf(" AND seq > $%d", len(args))
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError(ctx, "read by type", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, readError(ctx, "read by type", err)
	}
	return events, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, readError(ctx, "latest version", err)
	}
	return version, nil
}

func (s *PostgresStore) Subscribe(types ...model.EventType) *Subscription {
	if s.tail == nil {
		return s.opts.broker.Subscribe(types...)
	}
	return s.tail.subscribe(types)
}

// Wake makes the log tail poll now.
func (s *PostgresStore) Wake() {
	if s.tail != nil {
		s.tail.wake()
	}
}

func (s *PostgresStore) publish(stored []model.StoredEvent) {
	if s.tail == nil {
		s.opts.broker.Publish(stored)
		return
	}
	s.tail.wake()
}

func (s *PostgresStore) headPosition(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, readError(ctx, "log head", err)
	}
	return seq, nil
}

// Waker is a store whose log tail can be told to poll now.
type Waker interface {
	Wake()
}

// ListenForAppends listens on AppendChannel and wakes w on every
// notification, and after a reconnect, when notifications may have been
// missed. Close the returned listener to stop.
func ListenForAppends(dsn string, w Waker, log *slog.Logger) (*pq.Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "eventstore_listener")
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("append listener", "event", ev, "error", err)
		}
	})
	if err := l.Listen(AppendChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen on %s: %w", AppendChannel, err)
	}
	go func() {
		// A nil notification follows a reconnect.
		for range l.Notify {
			w.Wake()
		}
	}()
	return l, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
