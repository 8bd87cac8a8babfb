package payment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpay/internal/common/database"
	"marketpay/internal/common/money"
)

// Store defines payment persistence. The conditional transitions
// return ErrNotPending (or ErrNotCompleted) on a zero-row update so
// callers can treat duplicate deliveries as explicit no-ops.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id string) (*Payment, error)
	// GetPendingByReference only matches pending rows; a completed
	// payment is invisible here, which is what makes webhook
	// redelivery safe.
	GetPendingByReference(ctx context.Context, reference string) (*Payment, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]*Payment, error)
	Complete(ctx context.Context, id, gatewayRef string, raw []byte, completedAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string, raw []byte, failedAt time.Time) error
	MarkRefunded(ctx context.Context, id string, refundedAt time.Time) error
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, invoice_id, user_id, amount_minor, gateway, reference,
	gateway_reference, status, raw_response, failure_reason,
	completed_at, failed_at, refunded_at, created_at, updated_at`

// Create inserts a new payment attempt.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.InvoiceID, p.UserID, p.Amount.AmountMinor, p.Gateway, p.Reference,
		p.GatewayReference, p.Status, []byte(p.RawResponse), p.FailureReason,
		p.CompletedAt, p.FailedAt, p.RefundedAt, p.CreatedAt, p.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetByID retrieves a payment by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return s.scan(s.db.QueryRow(ctx, query, id))
}

// GetPendingByReference retrieves a pending payment by reference.
func (s *PostgresStore) GetPendingByReference(ctx context.Context, reference string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1 AND status = 'pending'`
	return s.scan(s.db.QueryRow(ctx, query, reference))
}

// ListByInvoice retrieves all attempts for an invoice, newest first.
func (s *PostgresStore) ListByInvoice(ctx context.Context, invoiceID string) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE invoice_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Complete transitions a pending payment to completed. The WHERE on
// status closes the race between concurrent deliveries: exactly one
// caller sees a row affected.
func (s *PostgresStore) Complete(ctx context.Context, id, gatewayRef string, raw []byte, completedAt time.Time) error {
	query := `
		UPDATE payments SET
			status = 'completed', gateway_reference = $2, raw_response = $3,
			completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, id, gatewayRef, raw, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkFailed transitions a pending payment to failed.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, raw []byte, failedAt time.Time) error {
	query := `
		UPDATE payments SET
			status = 'failed', failure_reason = $2, raw_response = $3,
			failed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := s.db.Exec(ctx, query, id, reason, raw, failedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkRefunded transitions a completed payment to refunded.
func (s *PostgresStore) MarkRefunded(ctx context.Context, id string, refundedAt time.Time) error {
	query := `
		UPDATE payments SET
			status = 'refunded', refunded_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'completed'
	`

	tag, err := s.db.Exec(ctx, query, id, refundedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotCompleted
	}
	return nil
}

func (s *PostgresStore) scan(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount int64
	var raw []byte

	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.UserID, &amount, &p.Gateway, &p.Reference,
		&p.GatewayReference, &p.Status, &raw, &p.FailureReason,
		&p.CompletedAt, &p.FailedAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	p.Amount = money.NGNFromKobo(amount)
	p.RawResponse = raw
	return &p, nil
}
