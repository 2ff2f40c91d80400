package charge

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. State changes run as
// single UPDATE statements guarded by the current state, so concurrent
// writers serialize on the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed charge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the charge tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS charges (
			id             VARCHAR(40) PRIMARY KEY,
			processor_key  VARCHAR(255) NOT NULL UNIQUE,
			broker         VARCHAR(255) NOT NULL,
			provider       VARCHAR(255) NOT NULL,
			subscriber     VARCHAR(255) NOT NULL,
			amount         BIGINT NOT NULL,
			refunded       BIGINT NOT NULL DEFAULT 0,
			currency       VARCHAR(8) NOT NULL,
			state          VARCHAR(20) NOT NULL,
			dispute        VARCHAR(20) NOT NULL DEFAULT '',
			last4          VARCHAR(4),
			exp_month      INT,
			exp_year       INT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_refunded_range CHECK (refunded >= 0 AND refunded <= amount)
		);

		CREATE TABLE IF NOT EXISTS charge_refunds (
			processor_key  VARCHAR(255) NOT NULL,
			refund_key     VARCHAR(255) NOT NULL,
			amount         BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (processor_key, refund_key)
		);

		CREATE INDEX IF NOT EXISTS idx_charges_provider ON charges(provider);
		CREATE INDEX IF NOT EXISTS idx_charges_subscriber ON charges(subscriber);
		CREATE INDEX IF NOT EXISTS idx_charges_created ON charges(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, c *Charge) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO charges (id, processor_key, broker, provider, subscriber,
			amount, refunded, currency, state, dispute, last4, exp_month, exp_year, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '', $9, $10, $11, $12)
	`, c.ID, c.ProcessorKey, c.Broker, c.Provider, c.Subscriber,
		c.Amount.Amount, c.Amount.Currency, c.State, nullStr(c.Last4), c.ExpMonth, c.ExpYear, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Charge, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectCharge+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByProcessorKey(ctx context.Context, processorKey string) (*Charge, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectCharge+` WHERE processor_key = $1`, processorKey))
}

func (p *PostgresStore) CompareAndSetState(ctx context.Context, processorKey string, from []State, to State) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE charges SET state = $1, updated_at = NOW()
		WHERE processor_key = $2 AND state = ANY($3)
	`, to, processorKey, pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish "wrong state" from "no such charge".
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM charges WHERE processor_key = $1)`,
		processorKey).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrUnknownCharge
	}
	return false, nil
}

func (p *PostgresStore) SetDispute(ctx context.Context, processorKey string, to DisputeState) (bool, error) {
	// Stage ordering is enforced in SQL so concurrent handlers can only
	// ever advance the stage.
	res, err := p.db.ExecContext(ctx, `
		UPDATE charges SET dispute = $1, updated_at = NOW()
		WHERE processor_key = $2
		  AND array_position(ARRAY['', 'created', 'updated', 'closed'], dispute)
		    < array_position(ARRAY['', 'created', 'updated', 'closed'], $1)
	`, string(to), processorKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM charges WHERE processor_key = $1)`,
		processorKey).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrUnknownCharge
	}
	return false, nil
}

func (p *PostgresStore) AddRefund(ctx context.Context, processorKey, refundKey string, amount int64) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO charge_refunds (processor_key, refund_key, amount)
		VALUES ($1, $2, $3)
	`, processorKey, refundKey, amount)
	if isUniqueViolation(err) {
		return false, nil // refund already recorded
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE charges SET refunded = refunded + $1, updated_at = NOW()
		WHERE processor_key = $2 AND refunded + $1 <= amount
	`, amount, processorKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM charges WHERE processor_key = $1)`,
			processorKey).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrUnknownCharge
		}
		return false, ErrRefundExceedsCharge
	}

	return true, tx.Commit()
}

func (p *PostgresStore) SetReceipt(ctx context.Context, processorKey, last4 string, expMonth, expYear int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE charges SET last4 = $1, exp_month = $2, exp_year = $3, updated_at = NOW()
		WHERE processor_key = $4
	`, last4, expMonth, expYear, processorKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownCharge
	}
	return nil
}

const selectCharge = `
	SELECT id, processor_key, broker, provider, subscriber,
	       amount, refunded, currency, state, dispute,
	       COALESCE(last4, ''), COALESCE(exp_month, 0), COALESCE(exp_year, 0),
	       created_at, updated_at
	FROM charges`

func (p *PostgresStore) scanOne(row *sql.Row) (*Charge, error) {
	c := &Charge{}
	var state, dispute string
	err := row.Scan(&c.ID, &c.ProcessorKey, &c.Broker, &c.Provider, &c.Subscriber,
		&c.Amount.Amount, &c.Refunded.Amount, &c.Amount.Currency, &state, &dispute,
		&c.Last4, &c.ExpMonth, &c.ExpYear, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownCharge
	}
	if err != nil {
		return nil, err
	}
	c.State = State(state)
	c.Dispute = DisputeState(dispute)
	c.Refunded.Currency = c.Amount.Currency
	return c, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
