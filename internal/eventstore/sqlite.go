package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/unclebandit/campaign-core/internal/model"
)

// SQLiteStore persists events in a SQLite database migrated by db.OpenSQLite.
// The unique (aggregate_id, version) index backs up the version check.
type SQLiteStore struct {
	db    *sql.DB
	opts  options
	locks keyedMutex
	tail  *logTail
}

// NewSQLiteStore tails the events table for subscriptions unless
// WithLocalDelivery is given.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if !s.opts.localOnly {
		s.tail = newLogTail(s, s.opts)
	}
	return s
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Waker = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) Append(ctx context.Context, aggregateID string, events []model.DomainEvent, expectedVersion int) ([]model.StoredEvent, error) {
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

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
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
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			evt.ID,
			evt.AggregateID,
			string(evt.Type),
			evt.Version,
			toNanos(evt.Timestamp),
			toNanos(evt.StoredAt),
			string(evt.Payload),
			metadata,
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, conflictAfterRace(aggregateID, expectedVersion, current)
			}
			return nil, unavailable("insert event", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, unavailable("insert event", err)
		}
		stored[i].Position = seq
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, conflictAfterRace(aggregateID, expectedVersion, current)
		}
		return nil, unavailable("commit append", err)
	}

	s.publish(stored)
	return stored, nil
}

func (s *SQLiteStore) Read(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]model.StoredEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE aggregate_id = ?`
	args := []any{aggregateID}
	if fromVersion > 0 {
		query += ` AND version >= ?`
		args = append(args, fromVersion)
	}
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
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

func (s *SQLiteStore) ReadByType(ctx context.Context, q TypeQuery) ([]model.StoredEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE 1=1`
	var args []any
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if !q.From.IsZero() {
		query += ` AND stored_at >= ?`
		args = append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND stored_at < ?`
		args = append(args, toNanos(q.To))
	}
	if q.After > 0 {
		query += ` AND seq > ?`
		args = append(args, q.After)
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
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

func (s *SQLiteStore) LatestVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, readError(ctx, "latest version", err)
	}
	return version, nil
}

func (s *SQLiteStore) Subscribe(types ...model.EventType) *Subscription {
	if s.tail == nil {
		return s.opts.broker.Subscribe(types...)
	}
	return s.tail.subscribe(types)
}

// Wake makes the log tail poll now; appends by other processes are seen at
// the next poll interval otherwise.
func (s *SQLiteStore) Wake() {
	if s.tail != nil {
		s.tail.wake()
	}
}

func (s *SQLiteStore) publish(stored []model.StoredEvent) {
	if s.tail == nil {
		s.opts.broker.Publish(stored)
		return
	}
	s.tail.wake()
}

func (s *SQLiteStore) headPosition(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, readError(ctx, "log head", err)
	}
	return seq, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
