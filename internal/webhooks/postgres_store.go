package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, owner_id, url, secret, events, active, failure_count,
	last_success, last_error, created_at`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (
			id, owner_id, url, secret, events, active, failure_count,
			last_success, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, pq.Array(sub.Events), sub.Active,
		sub.FailureCount, nullTimePtr(sub.LastSuccess), sub.LastError, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions WHERE active ORDER BY created_at`)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			url           = $2,
			events        = $3,
			active        = $4,
			failure_count = $5,
			last_success  = $6,
			last_error    = $7
		WHERE id = $1
	`,
		sub.ID, sub.URL, pq.Array(sub.Events), sub.Active,
		sub.FailureCount, nullTimePtr(sub.LastSuccess), sub.LastError,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	var sub Subscription
	var lastSuccess sql.NullTime

	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, pq.Array(&sub.Events),
		&sub.Active, &sub.FailureCount, &lastSuccess, &sub.LastError, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	return &sub, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
