package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists notification subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notify_subscriptions (
			id                    VARCHAR(36) PRIMARY KEY,
			broker                VARCHAR(255) NOT NULL,
			url                   TEXT NOT NULL,
			secret                VARCHAR(64) NOT NULL,
			events                JSONB NOT NULL,
			active                BOOLEAN DEFAULT TRUE,
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			last_success          TIMESTAMPTZ,
			last_error            TEXT,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_notify_broker ON notify_subscriptions(broker);
		CREATE INDEX IF NOT EXISTS idx_notify_active ON notify_subscriptions(active) WHERE active = TRUE;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (id, broker, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.Broker, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, selectSubscription+` WHERE id = $1`, id)
	return scanSubscription(row.Scan)
}

func (p *PostgresStore) GetByBroker(ctx context.Context, broker string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		selectSubscription+` WHERE broker = $1 ORDER BY created_at DESC`, broker)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx,
		selectSubscription+` WHERE active = TRUE AND events @> $1::jsonb`, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notify_subscriptions SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5
	`, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures, sub.ID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

const selectSubscription = `
	SELECT id, broker, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
	FROM notify_subscriptions`

func scanSubscription(scan func(dest ...any) error) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := scan(
		&sub.ID, &sub.Broker, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
