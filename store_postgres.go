package docrelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTaskStore keeps task records in a Postgres table. Deployments that
// need task history to survive Redis retention plug this in for the queue or
// cluster engine.
type PostgresTaskStore struct {
	db  *pgxpool.Pool
	enc Encoder
}

// NewPostgresTaskStore wraps an existing connection pool.
func NewPostgresTaskStore(db *pgxpool.Pool) *PostgresTaskStore {
	return &PostgresTaskStore{db: db, enc: defaultEncoder(nil)}
}

// Migrate creates the tasks table if it does not exist.
func (s *PostgresTaskStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS docrelay_tasks (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    record      JSONB NOT NULL,
    created_at  BIGINT NOT NULL,
    finished_at BIGINT NOT NULL DEFAULT 0
)`)
	if err != nil {
		return fmt.Errorf("migrate tasks table: %w", err)
	}
	return nil
}

func (s *PostgresTaskStore) Put(ctx context.Context, t *Task) error {
	record, err := s.enc.Encode(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	// The status guard keeps terminal rows immutable against late
	// non-terminal writes from duplicate deliveries.
	_, err = s.db.Exec(ctx, `
INSERT INTO docrelay_tasks (id, queue, status, record, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, record = EXCLUDED.record, finished_at = EXCLUDED.finished_at
WHERE docrelay_tasks.status NOT IN ('success', 'failure', 'cancelled')`,
		t.ID, t.Queue, string(t.Status), record, t.CreatedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("store task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	var record []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM docrelay_tasks WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	t, err := decodeTask(s.enc, record)
	if err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return t, nil
}
