package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MemoryCheckpoints implements CheckpointStore in memory.
type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]time.Time
}

// NewMemoryCheckpoints creates an in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]time.Time)}
}

func (m *MemoryCheckpoints) Get(_ context.Context, provider string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cps[provider], nil
}

func (m *MemoryCheckpoints) Advance(_ context.Context, provider string, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cps[provider]; ok && to.Before(cur) {
		return fmt.Errorf("checkpoint for %s would move backwards (%s -> %s)",
			provider, cur.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	m.cps[provider] = to
	return nil
}

// PostgresCheckpoints implements CheckpointStore with PostgreSQL.
type PostgresCheckpoints struct {
	db *sql.DB
}

// NewPostgresCheckpoints creates a PostgreSQL-backed checkpoint store.
func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

// Migrate creates the checkpoints table.
func (p *PostgresCheckpoints) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reconcile_checkpoints (
			provider    VARCHAR(255) PRIMARY KEY,
			listed_to   TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresCheckpoints) Get(ctx context.Context, provider string) (time.Time, error) {
	var to time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT listed_to FROM reconcile_checkpoints WHERE provider = $1`,
		provider).Scan(&to)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return to, err
}

// Advance upserts the checkpoint but never moves it backwards: GREATEST
// keeps the stored mark when a stale writer races ahead of it.
func (p *PostgresCheckpoints) Advance(ctx context.Context, provider string, to time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconcile_checkpoints (provider, listed_to, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider) DO UPDATE
		SET listed_to = GREATEST(reconcile_checkpoints.listed_to, EXCLUDED.listed_to),
		    updated_at = NOW()
	`, provider, to)
	return err
}
