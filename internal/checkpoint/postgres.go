package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mason/internal/logging"
)

const defaultTable = "mason_run_checkpoints"

// defaultCacheSize bounds the recently-loaded run cache. Resumes tend to hit
// the same handful of runs, so a small cache absorbs most reads.
const defaultCacheSize = 64

// PostgresStore implements a Postgres-backed checkpoint store with a small
// read-through cache of recently loaded states.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	cache  *lru.Cache[string, []byte]
	logger logging.Logger
}

// NewPostgresStore wraps the pool. An empty table name selects the default.
func NewPostgresStore(pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTable
	}
	cache, err := lru.New[string, []byte](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init checkpoint cache: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		table:  table,
		cache:  cache,
		logger: logging.NewComponentLogger("CheckpointStore"),
	}, nil
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT PRIMARY KEY,
    state JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mason_checkpoints_updated_at ON %s (updated_at DESC);
`, s.table, s.table)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Save upserts the state for runID and refreshes the cache entry.
func (s *PostgresStore) Save(ctx context.Context, runID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsSafeRunID(runID) {
		return fmt.Errorf("invalid run ID %q", runID)
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	now := time.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, state, created_at, updated_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
`, s.table)

	if _, err := s.pool.Exec(ctx, query, runID, state, now, now); err != nil {
		s.cache.Remove(runID)
		s.logger.Error("Failed to persist checkpoint %s: %v", runID, err)
		return err
	}
	s.cache.Add(runID, append([]byte(nil), state...))
	return nil
}

// Load returns the state for runID, serving repeat reads from the cache.
func (s *PostgresStore) Load(ctx context.Context, runID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsSafeRunID(runID) {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}

	if state, ok := s.cache.Get(runID); ok {
		return append([]byte(nil), state...), nil
	}

	query := fmt.Sprintf(`SELECT state FROM %s WHERE run_id = $1`, s.table)
	var state []byte
	err := s.pool.QueryRow(ctx, query, runID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.cache.Add(runID, append([]byte(nil), state...))
	return state, nil
}

// Delete removes the checkpoint and evicts any cached copy.
func (s *PostgresStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsSafeRunID(runID) {
		return fmt.Errorf("invalid run ID %q", runID)
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	s.cache.Remove(runID)
	query := fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, s.table)
	_, err := s.pool.Exec(ctx, query, runID)
	return err
}

// List returns run ids ordered by most recent update.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}

	query := fmt.Sprintf(`SELECT run_id FROM %s ORDER BY updated_at DESC`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
