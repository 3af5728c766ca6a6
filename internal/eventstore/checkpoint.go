package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Checkpoints remembers, per named consumer, the log position it has
// processed up to.
type Checkpoints interface {
	// Position is 0 for a consumer that never saved one.
	Position(ctx context.Context, name string) (int64, error)
	SavePosition(ctx context.Context, name string, position int64) error
}

// MemoryCheckpoints keeps positions for the life of the process.
type MemoryCheckpoints struct {
	mu        sync.Mutex
	positions map[string]int64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{positions: make(map[string]int64)}
}

func (c *MemoryCheckpoints) Position(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[name], nil
}

func (c *MemoryCheckpoints) SavePosition(_ context.Context, name string, position int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[name] = position
	return nil
}

// SQLCheckpoints stores positions in the checkpoints table created by the
// SQLite and PostgreSQL migrations.
type SQLCheckpoints struct {
	db     *sql.DB
	get    string
	upsert string
}

func NewSQLiteCheckpoints(db *sql.DB) *SQLCheckpoints {
	return &SQLCheckpoints{
		db:  db,
		get: `SELECT position FROM checkpoints WHERE name = ?`,
		upsert: `INSERT INTO checkpoints (name, position) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET position = excluded.position`,
	}
}

func NewPostgresCheckpoints(db *sql.DB) *SQLCheckpoints {
	return &SQLCheckpoints{
		db:  db,
		get: `SELECT position FROM checkpoints WHERE name = $1`,
		upsert: `INSERT INTO checkpoints (name, position) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET position = excluded.position`,
	}
}

func (c *SQLCheckpoints) Position(ctx context.Context, name string) (int64, error) {
	var position int64
	err := c.db.QueryRowContext(ctx, c.get, name).Scan(&position)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, readError(ctx, "read checkpoint", err)
	}
	return position, nil
}

func (c *SQLCheckpoints) SavePosition(ctx context.Context, name string, position int64) error {
	if _, err := c.db.ExecContext(ctx, c.upsert, name, position); err != nil {
		return readError(ctx, "save checkpoint", err)
	}
	return nil
}

var (
	_ Checkpoints = (*MemoryCheckpoints)(nil)
	_ Checkpoints = (*SQLCheckpoints)(nil)
)
