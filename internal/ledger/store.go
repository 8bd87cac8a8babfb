package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpay/internal/common/database"
	"marketpay/internal/common/money"
)

// PaidInvoice is the slice of an invoice the historical sync needs.
type PaidInvoice struct {
	InvoiceID        string
	Number           string
	UserID           string
	Type             string
	Description      string
	Total            money.Money
	PaymentMethod    *string
	PaymentReference *string
	PaidAt           time.Time
}

// Store defines ledger persistence.
type Store interface {
	GetBySource(ctx context.Context, sourceType, sourceID string) (*FinancialTransaction, error)
	Insert(ctx context.Context, tx *FinancialTransaction) error
	ListPaidInvoicesWithoutEntry(ctx context.Context, limit int) ([]PaidInvoice, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `
	id, reference, tx_type, category, amount_minor, description,
	payment_method, payment_reference, user_id, recorded_by,
	source_type, source_id, posted_at, created_at`

// GetBySource retrieves the ledger entry for a source document.
func (s *PostgresStore) GetBySource(ctx context.Context, sourceType, sourceID string) (*FinancialTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM financial_transactions WHERE source_type = $1 AND source_id = $2`
	return s.scan(s.db.QueryRow(ctx, query, sourceType, sourceID))
}

// Insert appends a new ledger entry. A unique violation on
// (source_type, source_id) surfaces as database.ErrAlreadyExists.
func (s *PostgresStore) Insert(ctx context.Context, tx *FinancialTransaction) error {
	query := `
		INSERT INTO financial_transactions (` + txColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.Exec(ctx, query,
		tx.ID, tx.Reference, tx.Type, tx.Category, tx.Amount.AmountMinor, tx.Description,
		tx.PaymentMethod, tx.PaymentReference, tx.UserID, tx.RecordedBy,
		tx.SourceType, tx.SourceID, tx.PostedAt, tx.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// ListPaidInvoicesWithoutEntry finds paid invoices that have no ledger
// entry yet, oldest first. Feeds the historical sync job.
func (s *PostgresStore) ListPaidInvoicesWithoutEntry(ctx context.Context, limit int) ([]PaidInvoice, error) {
	query := `
		SELECT i.id, i.invoice_number, i.user_id, i.invoice_type, i.description,
			   i.total_minor, i.payment_method, i.payment_reference, i.paid_at
		FROM invoices i
		LEFT JOIN financial_transactions ft
			ON ft.source_type = 'invoice' AND ft.source_id = i.id
		WHERE i.status = 'paid' AND ft.id IS NULL
		ORDER BY i.paid_at ASC
		LIMIT $1
	`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []PaidInvoice
	for rows.Next() {
		var p PaidInvoice
		var total int64
		if err := rows.Scan(
			&p.InvoiceID, &p.Number, &p.UserID, &p.Type, &p.Description,
			&total, &p.PaymentMethod, &p.PaymentReference, &p.PaidAt,
		); err != nil {
			return nil, err
		}
		p.Total = money.NGNFromKobo(total)
		invoices = append(invoices, p)
	}
	return invoices, rows.Err()
}

func (s *PostgresStore) scan(row pgx.Row) (*FinancialTransaction, error) {
	var tx FinancialTransaction
	var amount int64

	err := row.Scan(
		&tx.ID, &tx.Reference, &tx.Type, &tx.Category, &amount, &tx.Description,
		&tx.PaymentMethod, &tx.PaymentReference, &tx.UserID, &tx.RecordedBy,
		&tx.SourceType, &tx.SourceID, &tx.PostedAt, &tx.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	tx.Amount = money.NGNFromKobo(amount)
	return &tx, nil
}
