package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpay/internal/common/database"
	"marketpay/internal/common/money"
)

func minor(v int64) money.Money {
	return money.NGNFromKobo(v)
}

// ListFilter narrows invoice listings. Now is the reference time for
// the overdue projection; the service fills it from its clock.
type ListFilter struct {
	UserID string
	Status Status
	Type   Type
	Search string
	Now    time.Time
}

// Store defines invoice persistence.
type Store interface {
	// Create inserts a new invoice, allocating the next invoice number
	// for the prefix and period in the same transaction. A lost
	// allocation race surfaces as database.ErrAlreadyExists.
	Create(ctx context.Context, inv *Invoice, prefix, period string) error
	GetByID(ctx context.Context, id string) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Invoice, int64, error)
	// UpdateTransition persists a transition already applied to inv,
	// guarded by the set of statuses the transition is legal from. A
	// zero-row update means the stored status changed underneath us:
	// the row is reloaded and a StateError returned.
	UpdateTransition(ctx context.Context, inv *Invoice, from ...Status) error
	Delete(ctx context.Context, id string) error
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, invoice_number, user_id, application_id, invoice_type, description,
	line_items, subtotal_minor, discount_minor, tax_rate_bps, tax_minor, total_minor,
	due_date, status, payment_reference, payment_method, proof_url, proof_submitted_at,
	notes, paid_at, created_at, updated_at`

// Create inserts a new invoice. The max-sequence read and the insert
// run in one serializable transaction so two writers cannot observe
// the same max; serialization failures retry, and the unique index on
// invoice_number catches anything that still slips through.
func (s *PostgresStore) Create(ctx context.Context, inv *Invoice, prefix, period string) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`

	lineItems, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}

	return database.Retry(ctx, 3, func() error {
		return s.db.WithTxOptions(ctx, database.SerializableTxOptions(), func(tx pgx.Tx) error {
			max, err := maxSequence(ctx, tx, prefix, period)
			if err != nil {
				return err
			}
			inv.Number = FormatNumber(prefix, period, max+1)

			_, err = tx.Exec(ctx, query,
				inv.ID, inv.Number, inv.UserID, inv.ApplicationID, inv.Type, inv.Description,
				lineItems, inv.Subtotal.AmountMinor, inv.Discount.AmountMinor, inv.TaxRateBPS,
				inv.TaxAmount.AmountMinor, inv.Total.AmountMinor,
				inv.DueDate, inv.Status, inv.PaymentReference, inv.PaymentMethod,
				inv.ProofURL, inv.ProofSubmittedAt, inv.Notes, inv.PaidAt,
				inv.CreatedAt, inv.UpdatedAt,
			)
			if database.IsUniqueViolation(err) {
				return database.ErrAlreadyExists
			}
			return err
		})
	})
}

// GetByID retrieves an invoice by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return s.scan(s.db.QueryRow(ctx, query, id))
}

// GetByNumber retrieves an invoice by its invoice number.
func (s *PostgresStore) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_number = $1`
	return s.scan(s.db.QueryRow(ctx, query, number))
}

// List retrieves invoices matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Invoice, int64, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != "" {
		// Overdue is a projection over stored pending rows.
		if filter.Status == StatusOverdue {
			where = append(where, "((status = 'pending' AND due_date < "+arg(filter.Now.UTC())+") OR status = 'overdue')")
		} else {
			where = append(where, "status = "+arg(filter.Status))
		}
	}
	if filter.Type != "" {
		where = append(where, "invoice_type = "+arg(filter.Type))
	}
	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		where = append(where, "(invoice_number ILIKE "+p+" OR description ILIKE "+p+")")
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	countQuery := `SELECT COUNT(*) FROM invoices WHERE ` + whereClause
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + whereClause +
		` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := s.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// maxSequence returns the highest sequence already issued for a
// prefix and period, 0 when none exist.
func maxSequence(ctx context.Context, q database.Querier, prefix, period string) (int, error) {
	query := `
		SELECT COALESCE(MAX(CAST(RIGHT(invoice_number, 4) AS INTEGER)), 0)
		FROM invoices
		WHERE invoice_number LIKE $1
	`

	var max int
	err := q.QueryRow(ctx, query, prefix+"-"+period+"-%").Scan(&max)
	return max, err
}

// UpdateTransition implements the status-guarded write described on
// the Store interface.
func (s *PostgresStore) UpdateTransition(ctx context.Context, inv *Invoice, from ...Status) error {
	query := `
		UPDATE invoices SET
			status = $2, payment_reference = $3, payment_method = $4,
			proof_url = $5, proof_submitted_at = $6, notes = $7,
			paid_at = $8, updated_at = $9
		WHERE id = $1 AND status = ANY($10)
	`

	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	tag, err := s.db.Exec(ctx, query,
		inv.ID, inv.Status, inv.PaymentReference, inv.PaymentMethod,
		inv.ProofURL, inv.ProofSubmittedAt, inv.Notes,
		inv.PaidAt, inv.UpdatedAt, fromStrs,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		current, err := s.GetByID(ctx, inv.ID)
		if err != nil {
			return err
		}
		return &StateError{
			InvoiceID: inv.ID,
			Current:   current.Status,
			Attempted: "transition to " + string(inv.Status),
		}
	}

	return nil
}

// Delete removes an invoice that has not been paid.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM invoices WHERE id = $1 AND status IN ('pending', 'overdue', 'processing')`

	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return &StateError{InvoiceID: id, Current: current.Status, Attempted: "delete"}
	}

	return nil
}

// MarkOverdue relabels pending invoices past their due date. Advisory
// only; safe to re-run.
func (s *PostgresStore) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE invoices SET status = 'overdue', updated_at = $1
		WHERE status = 'pending' AND due_date < $1
	`

	tag, err := s.db.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) scan(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var lineItems []byte
	var subtotal, discount, tax, total int64

	err := row.Scan(
		&inv.ID, &inv.Number, &inv.UserID, &inv.ApplicationID, &inv.Type, &inv.Description,
		&lineItems, &subtotal, &discount, &inv.TaxRateBPS, &tax, &total,
		&inv.DueDate, &inv.Status, &inv.PaymentReference, &inv.PaymentMethod,
		&inv.ProofURL, &inv.ProofSubmittedAt, &inv.Notes, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("unmarshal line items: %w", err)
		}
	}

	inv.Subtotal = minor(subtotal)
	inv.Discount = minor(discount)
	inv.TaxAmount = minor(tax)
	inv.Total = minor(total)

	return &inv, nil
}
