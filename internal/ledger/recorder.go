package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"marketpay/internal/common/database"
	"marketpay/internal/common/events"
	"marketpay/internal/common/money"
)

// RecordRequest describes the payment-confirmed fact to post.
type RecordRequest struct {
	SourceType       string
	SourceID         string
	Amount           money.Money
	Type             TxType
	DeclaredType     string
	Description      string
	UserID           string
	RecordedBy       string
	PaymentMethod    string
	PaymentReference string
	PostedAt         time.Time
}

// Recorder posts ledger entries with at-most-one-per-source semantics.
// Re-recording the same source document is a no-op that returns the
// existing row.
type Recorder struct {
	store     Store
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. The publisher may be nil.
func NewRecorder(store Store, publisher events.EventPublisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Record posts a ledger entry for the source document, unless one
// already exists. The bool reports whether a new row was created.
//
// The lookup-then-insert is raced by concurrent callers (a webhook and
// a manual mark-paid firing together); the unique constraint on
// (source_type, source_id) decides the winner and the loser returns
// the winner's row.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (*FinancialTransaction, bool, error) {
	if req.SourceType == "" || req.SourceID == "" {
		return nil, false, fmt.Errorf("source type and id are required")
	}

	existing, err := r.store.GetBySource(ctx, req.SourceType, req.SourceID)
	if err == nil {
		r.logger.Debug("ledger entry already exists",
			"source_type", req.SourceType,
			"source_id", req.SourceID,
			"transaction_id", existing.ID,
		)
		return existing, false, nil
	}
	if !database.IsNotFound(err) {
		return nil, false, fmt.Errorf("lookup ledger entry: %w", err)
	}

	category, tier := ResolveCategory(req.DeclaredType, req.Description)
	if tier != TierType {
		r.logger.Debug("category resolved by fallback",
			"source_id", req.SourceID,
			"declared_type", req.DeclaredType,
			"category", category,
			"tier", tier,
		)
	}

	txType := req.Type
	if txType == "" {
		txType = TypeIncome
	}

	postedAt := req.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}

	tx := &FinancialTransaction{
		ID:          ulid.Make().String(),
		Reference:   "FTX-" + ulid.Make().String(),
		Type:        txType,
		Category:    category,
		Amount:      req.Amount,
		Description: req.Description,
		UserID:      req.UserID,
		RecordedBy:  req.RecordedBy,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		PostedAt:    postedAt,
		CreatedAt:   time.Now().UTC(),
	}
	if req.PaymentMethod != "" {
		m := req.PaymentMethod
		tx.PaymentMethod = &m
	}
	if req.PaymentReference != "" {
		ref := req.PaymentReference
		tx.PaymentReference = &ref
	}

	if err := r.store.Insert(ctx, tx); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// Lost the race; fetch the winner.
			winner, getErr := r.store.GetBySource(ctx, req.SourceType, req.SourceID)
			if getErr != nil {
				return nil, false, fmt.Errorf("fetch existing ledger entry: %w", getErr)
			}
			r.logger.Debug("ledger insert raced, returning existing",
				"source_type", req.SourceType,
				"source_id", req.SourceID,
				"transaction_id", winner.ID,
			)
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	r.logger.Info("ledger entry recorded",
		"transaction_id", tx.ID,
		"source_type", tx.SourceType,
		"source_id", tx.SourceID,
		"category", tx.Category,
		"amount_minor", tx.Amount.AmountMinor,
	)

	r.publishRecorded(ctx, tx)

	return tx, true, nil
}

func (r *Recorder) publishRecorded(ctx context.Context, tx *FinancialTransaction) {
	if r.publisher == nil {
		return
	}

	event, err := events.NewEvent(events.EventLedgerRecorded, "financial_transaction", tx.ID, events.LedgerRecordedData{
		TransactionID: tx.ID,
		SourceType:    tx.SourceType,
		SourceID:      tx.SourceID,
		Category:      string(tx.Category),
		AmountMinor:   tx.Amount.AmountMinor,
		Currency:      string(tx.Amount.Currency),
	})
	if err != nil {
		r.logger.Error("failed to create ledger event", "error", err)
		return
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish ledger event", "error", err, "transaction_id", tx.ID)
	}
}
