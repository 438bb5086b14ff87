package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Compile-time checks that PostgresStore implements the store interfaces.
var (
	_ Store        = (*PostgresStore)(nil)
	_ DisputeStore = (*PostgresStore)(nil)
	_ EventStore   = (*PostgresStore)(nil)
)

// PostgresStore implements the escrow stores backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, title, description, amount, asset, status, creator_id,
	expires_at, expiration_notified_at, is_active, is_released,
	release_transaction_hash, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, title, description, amount, asset, status, creator_id,
			expires_at, expiration_notified_at, is_active, is_released,
			release_transaction_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(30,10), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		e.ID, e.Title, e.Description, e.Amount.String(), e.Asset, string(e.Status), e.CreatorID,
		nullTimePtr(e.ExpiresAt), nullTimePtr(e.ExpirationNotifiedAt), e.IsActive, e.IsReleased,
		e.ReleaseTransactionHash, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	for _, party := range e.Parties {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_parties (id, escrow_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, party.ID, party.EscrowID, party.UserID, string(party.Role), party.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert party: %w", err)
		}
	}

	for _, c := range e.Conditions {
		if err := insertCondition(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertCondition(ctx context.Context, tx *sql.Tx, c *Condition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_conditions (
			id, escrow_id, description, is_fulfilled, fulfilled_at,
			fulfilled_by_user_id, fulfillment_notes, fulfillment_evidence,
			is_met, met_at, met_by_user_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		c.ID, c.EscrowID, c.Description, c.IsFulfilled, nullTimePtr(c.FulfilledAt),
		c.FulfilledByUserID, c.FulfillmentNotes, c.FulfillmentEvidence,
		c.IsMet, nullTimePtr(c.MetAt), c.MetByUserID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert condition: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	if err := p.loadChildren(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) loadChildren(ctx context.Context, e *Escrow) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, user_id, role, created_at
		FROM escrow_parties WHERE escrow_id = $1 ORDER BY created_at
	`, e.ID)
	if err != nil {
		return fmt.Errorf("list parties: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var party Party
		var role string
		if err := rows.Scan(&party.ID, &party.EscrowID, &party.UserID, &role, &party.CreatedAt); err != nil {
			return fmt.Errorf("scan party: %w", err)
		}
		party.Role = PartyRole(role)
		e.Parties = append(e.Parties, party)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, description, is_fulfilled, fulfilled_at,
			fulfilled_by_user_id, fulfillment_notes, fulfillment_evidence,
			is_met, met_at, met_by_user_id, created_at, updated_at
		FROM escrow_conditions WHERE escrow_id = $1 ORDER BY created_at
	`, e.ID)
	if err != nil {
		return fmt.Errorf("list conditions: %w", err)
	}
	defer func() { _ = crows.Close() }()
	for crows.Next() {
		c, err := scanCondition(crows)
		if err != nil {
			return fmt.Errorf("scan condition: %w", err)
		}
		e.Conditions = append(e.Conditions, c)
	}
	return crows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			title                    = $2,
			description              = $3,
			status                   = $4,
			expires_at               = $5,
			expiration_notified_at   = $6,
			is_active                = $7,
			is_released              = $8,
			release_transaction_hash = $9,
			updated_at               = $10
		WHERE id = $1
	`,
		e.ID, e.Title, e.Description, string(e.Status),
		nullTimePtr(e.ExpiresAt), nullTimePtr(e.ExpirationNotifiedAt),
		e.IsActive, e.IsReleased, e.ReleaseTransactionHash, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateCondition(ctx context.Context, c *Condition) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_conditions SET
			is_fulfilled         = $2,
			fulfilled_at         = $3,
			fulfilled_by_user_id = $4,
			fulfillment_notes    = $5,
			fulfillment_evidence = $6,
			is_met               = $7,
			met_at               = $8,
			met_by_user_id       = $9,
			updated_at           = $10
		WHERE id = $1
	`,
		c.ID, c.IsFulfilled, nullTimePtr(c.FulfilledAt), c.FulfilledByUserID,
		c.FulfillmentNotes, c.FulfillmentEvidence,
		c.IsMet, nullTimePtr(c.MetAt), c.MetByUserID, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update condition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConditionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error) {
	query := `
		SELECT DISTINCT e.id, e.title, e.description, e.amount, e.asset, e.status, e.creator_id,
			e.expires_at, e.expiration_notified_at, e.is_active, e.is_released,
			e.release_transaction_hash, e.created_at, e.updated_at
		FROM escrows e
		LEFT JOIN escrow_parties p ON p.escrow_id = e.id
		WHERE (e.creator_id = $1 OR p.user_id = $1)
	`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND e.status = $2 ORDER BY e.created_at DESC LIMIT $3`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY e.created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	return p.queryEscrows(ctx, query, args...)
}

func (p *PostgresStore) ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at LIMIT $3
	`, string(status), before, limit)
}

func (p *PostgresStore) ListExpiringSoon(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('pending', 'active')
			AND expires_at IS NOT NULL AND expires_at <= $1
			AND expiration_notified_at IS NULL
		ORDER BY expires_at LIMIT $2
	`, before, limit)
}

func (p *PostgresStore) queryEscrows(ctx context.Context, query string, args ...interface{}) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range result {
		if err := p.loadChildren(ctx, e); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, filed_by_user_id, reason, evidence, status,
			outcome, seller_percent, buyer_percent, resolved_by_user_id,
			resolution_notes, resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		d.ID, d.EscrowID, d.FiledByUserID, d.Reason, pq.Array(d.Evidence), string(d.Status),
		string(d.Outcome), d.SellerPercent, d.BuyerPercent, d.ResolvedByUserID,
		d.ResolutionNotes, nullTimePtr(d.ResolvedAt), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDisputeExists
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, filed_by_user_id, reason, evidence, status,
			outcome, seller_percent, buyer_percent, resolved_by_user_id,
			resolution_notes, resolved_at, created_at, updated_at
		FROM disputes WHERE escrow_id = $1
	`, escrowID)

	var d Dispute
	var status, outcome string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.FiledByUserID, &d.Reason, pq.Array(&d.Evidence), &status,
		&outcome, &d.SellerPercent, &d.BuyerPercent, &d.ResolvedByUserID,
		&d.ResolutionNotes, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	d.Status = DisputeStatus(status)
	d.Outcome = DisputeOutcome(outcome)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status              = $2,
			outcome             = $3,
			seller_percent      = $4,
			buyer_percent       = $5,
			resolved_by_user_id = $6,
			resolution_notes    = $7,
			resolved_at         = $8,
			updated_at          = $9
		WHERE id = $1
	`,
		d.ID, string(d.Status), string(d.Outcome), d.SellerPercent, d.BuyerPercent,
		d.ResolvedByUserID, d.ResolutionNotes, nullTimePtr(d.ResolvedAt), d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	var data []byte
	if ev.Data != nil {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, escrow_id, event_type, actor_id, data, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EscrowID, string(ev.EventType), ev.ActorID, data, ev.IPAddress, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, event_type, actor_id, data, ip_address, created_at
		FROM escrow_events WHERE escrow_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, escrowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var ev Event
		var eventType string
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &eventType, &ev.ActorID, &data, &ev.IPAddress, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = EventType(eventType)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scannable) (*Escrow, error) {
	var e Escrow
	var amount, status string
	var expiresAt, notifiedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &amount, &e.Asset, &status, &e.CreatorID,
		&expiresAt, &notifiedAt, &e.IsActive, &e.IsReleased,
		&e.ReleaseTransactionHash, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if notifiedAt.Valid {
		e.ExpirationNotifiedAt = &notifiedAt.Time
	}
	return &e, nil
}

func scanCondition(row scannable) (*Condition, error) {
	var c Condition
	var fulfilledAt, metAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.EscrowID, &c.Description, &c.IsFulfilled, &fulfilledAt,
		&c.FulfilledByUserID, &c.FulfillmentNotes, &c.FulfillmentEvidence,
		&c.IsMet, &metAt, &c.MetByUserID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fulfilledAt.Valid {
		c.FulfilledAt = &fulfilledAt.Time
	}
	if metAt.Valid {
		c.MetAt = &metAt.Time
	}
	return &c, nil
}

// nullTimePtr returns a sql.NullTime: valid if t is non-nil, null otherwise.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
