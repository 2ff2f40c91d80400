package payout

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/paybroker/paybroker/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. The unique index on
// processor_key is the at-most-once guarantee for reconciliation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transfer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transfers table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transfers (
			id             VARCHAR(40) PRIMARY KEY,
			processor_key  VARCHAR(255) NOT NULL UNIQUE,
			provider       VARCHAR(255) NOT NULL,
			amount         BIGINT NOT NULL,
			currency       VARCHAR(8) NOT NULL,
			description    TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_provider ON transfers(provider, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *Transfer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfers (id, processor_key, provider, amount, currency, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.ProcessorKey, t.Provider, t.Amount.Amount, t.Amount.Currency, t.Description, t.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateTransfer
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transfer, error) {
	return scanTransfer(p.db.QueryRowContext(ctx, selectTransfer+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByProcessorKey(ctx context.Context, processorKey string) (*Transfer, error) {
	return scanTransfer(p.db.QueryRowContext(ctx, selectTransfer+` WHERE processor_key = $1`, processorKey))
}

func (p *PostgresStore) Exists(ctx context.Context, processorKey string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE processor_key = $1)`,
		processorKey).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListByProvider(ctx context.Context, provider string, limit int, cursor *pagination.Cursor) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, selectTransfer+`
			WHERE provider = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`,
			provider, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, selectTransfer+`
			WHERE provider = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, provider, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transfer
	for rows.Next() {
		t := &Transfer{}
		var descr sql.NullString
		if err := rows.Scan(&t.ID, &t.ProcessorKey, &t.Provider,
			&t.Amount.Amount, &t.Amount.Currency, &descr, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = descr.String
		result = append(result, t)
	}
	return result, rows.Err()
}

const selectTransfer = `
	SELECT id, processor_key, provider, amount, currency, description, created_at
	FROM transfers`

func scanTransfer(row *sql.Row) (*Transfer, error) {
	t := &Transfer{}
	var descr sql.NullString
	err := row.Scan(&t.ID, &t.ProcessorKey, &t.Provider,
		&t.Amount.Amount, &t.Amount.Currency, &descr, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Description = descr.String
	return t, nil
}
