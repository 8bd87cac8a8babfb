package invoice

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
	"marketpay/internal/ledger"
)

// Config holds invoice generation settings.
type Config struct {
	NumberPrefix string `envconfig:"INVOICE_NUMBER_PREFIX" default:"INV"`
	TaxRateBPS   int64  `envconfig:"INVOICE_TAX_RATE_BPS" default:"750"`
	DueDays      int    `envconfig:"INVOICE_DUE_DAYS" default:"14"`
}

// Recorder is the slice of the ledger recorder the service needs.
type Recorder interface {
	Record(ctx context.Context, req ledger.RecordRequest) (*ledger.FinancialTransaction, bool, error)
}

// Service implements invoice operations on top of a Store.
type Service struct {
	store     Store
	recorder  Recorder
	publisher events.EventPublisher
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an invoice service. The publisher may be nil.
func NewService(store Store, recorder Recorder, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GenerateInput describes a new invoice. Either LineItems or Subtotal
// must be provided; when both are present the line items must sum to
// the subtotal.
type GenerateInput struct {
	UserID        string     `validate:"required"`
	ApplicationID *string    `validate:"omitempty"`
	Type          Type       `validate:"required,oneof=subscription service equipment banner other"`
	Description   string     `validate:"required"`
	LineItems     []LineItem `validate:"omitempty,dive"`
	SubtotalMinor int64      `validate:"gte=0"`
	DiscountMinor int64      `validate:"gte=0"`
	DueDate       *time.Time `validate:"omitempty"`
	Notes         string     `validate:"omitempty"`
}

// Generate creates a new pending invoice with a fresh invoice number.
func (s *Service) Generate(ctx context.Context, input GenerateInput) (*Invoice, error) {
	now := s.now()

	subtotal := money.NGNFromKobo(input.SubtotalMinor)
	if len(input.LineItems) > 0 {
		summed, err := SumLineItems(input.LineItems)
		if err != nil {
			return nil, err
		}
		if input.SubtotalMinor != 0 && !summed.Equal(subtotal) {
			return nil, fmt.Errorf("line items sum to %s, subtotal says %s", summed, subtotal)
		}
		subtotal = summed
	}

	totals, err := ComputeTotals(subtotal, money.NGNFromKobo(input.DiscountMinor), s.config.TaxRateBPS)
	if err != nil {
		return nil, err
	}

	dueDate := now.AddDate(0, 0, s.config.DueDays)
	if input.DueDate != nil {
		dueDate = input.DueDate.UTC()
	}

	inv := &Invoice{
		ID:            ulid.Make().String(),
		UserID:        input.UserID,
		ApplicationID: input.ApplicationID,
		Type:          input.Type,
		Description:   input.Description,
		LineItems:     input.LineItems,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		TaxRateBPS:    s.config.TaxRateBPS,
		TaxAmount:     totals.TaxAmount,
		Total:         totals.Total,
		DueDate:       dueDate,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if input.Notes != "" {
		inv.AppendNote(now, input.Notes)
	}

	// The store allocates the number transactionally; a lost race on
	// the unique invoice_number index gets one fresh allocation.
	period := Period(now)
	for attempt := 0; ; attempt++ {
		err := s.store.Create(ctx, inv, s.config.NumberPrefix, period)
		if err == nil {
			break
		}
		if attempt == 0 && errors.Is(err, database.ErrAlreadyExists) {
			s.logger.Warn("invoice number collision, reallocating",
				"invoice_number", inv.Number,
			)
			continue
		}
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	s.logger.Info("invoice generated",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"user_id", inv.UserID,
		"total_minor", inv.Total.AmountMinor,
	)

	s.publish(ctx, events.EventInvoiceGenerated, inv.ID, events.InvoiceGeneratedData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UserID:        inv.UserID,
		TotalMinor:    inv.Total.AmountMinor,
		Currency:      string(inv.Total.Currency),
		DueDate:       inv.DueDate.Format("2006-01-02"),
	})

	return inv, nil
}

// Get retrieves an invoice with overdue projected.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Status = inv.EffectiveStatus(s.now())
	return inv, nil
}

// GetByNumber retrieves an invoice by number with overdue projected.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	inv, err := s.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	inv.Status = inv.EffectiveStatus(s.now())
	return inv, nil
}

// List retrieves invoices matching a filter, overdue projected.
func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Invoice, int64, error) {
	now := s.now()
	filter.Now = now
	invoices, total, err := s.store.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, inv := range invoices {
		inv.Status = inv.EffectiveStatus(now)
	}
	return invoices, total, nil
}

// MarkPaid transitions an invoice to paid and posts the ledger entry.
// Exactly one ledger entry results no matter how many paths confirm
// the same invoice; the recorder's source-document idempotency
// guarantees that, not this method.
func (s *Service) MarkPaid(ctx context.Context, id string, meta PaymentMeta, recordedBy string) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	from := []Status{StatusPending, StatusOverdue, StatusProcessing}
	if err := inv.MarkPaid(meta, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransition(ctx, inv, from...); err != nil {
		return nil, err
	}

	s.logger.Info("invoice marked paid",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"reference", meta.Reference,
		"gateway", meta.Gateway,
	)

	if _, _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		SourceType:       ledger.SourceInvoice,
		SourceID:         inv.ID,
		Amount:           inv.Total,
		Type:             ledger.TypeIncome,
		DeclaredType:     string(inv.Type),
		Description:      "Invoice " + inv.Number + ": " + inv.Description,
		UserID:           inv.UserID,
		RecordedBy:       recordedBy,
		PaymentMethod:    meta.Method,
		PaymentReference: meta.Reference,
		PostedAt:         now,
	}); err != nil {
		// The invoice is paid; the ledger entry will be caught up by
		// the historical sync job.
		s.logger.Error("ledger record failed after mark paid",
			"error", err,
			"invoice_id", inv.ID,
		)
	}

	s.publish(ctx, events.EventInvoicePaid, inv.ID, events.InvoicePaidData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UserID:        inv.UserID,
		TotalMinor:    inv.Total.AmountMinor,
		Currency:      string(inv.Total.Currency),
		PaidAt:        now,
		Channel:       meta.Gateway,
	})

	return inv, nil
}

// SubmitProof moves a pending or overdue invoice to processing with
// the submitted evidence attached.
func (s *Service) SubmitProof(ctx context.Context, id string, evidence Evidence) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	from := []Status{StatusPending, StatusOverdue}
	if err := inv.SubmitProof(evidence, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransition(ctx, inv, from...); err != nil {
		return nil, err
	}

	s.logger.Info("payment proof submitted",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"reference", evidence.Reference,
	)

	s.publish(ctx, events.EventProofSubmitted, inv.ID, events.ProofDecisionData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
	})

	return inv, nil
}

// ApproveProof confirms a processing invoice as paid and posts the
// ledger entry. Legal only from processing.
func (s *Service) ApproveProof(ctx context.Context, id, approvedBy string) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	meta := PaymentMeta{Note: "proof approved by " + approvedBy}
	if inv.PaymentReference != nil {
		meta.Reference = *inv.PaymentReference
	}
	if inv.PaymentMethod != nil {
		meta.Method = *inv.PaymentMethod
	}

	if err := inv.ApproveProof(approvedBy, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransition(ctx, inv, StatusProcessing); err != nil {
		return nil, err
	}

	s.logger.Info("payment proof approved",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"approved_by", approvedBy,
	)

	if _, _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		SourceType:       ledger.SourceInvoice,
		SourceID:         inv.ID,
		Amount:           inv.Total,
		Type:             ledger.TypeIncome,
		DeclaredType:     string(inv.Type),
		Description:      "Invoice " + inv.Number + ": " + inv.Description,
		UserID:           inv.UserID,
		RecordedBy:       approvedBy,
		PaymentMethod:    meta.Method,
		PaymentReference: meta.Reference,
		PostedAt:         now,
	}); err != nil {
		s.logger.Error("ledger record failed after proof approval",
			"error", err,
			"invoice_id", inv.ID,
		)
	}

	s.publish(ctx, events.EventProofApproved, inv.ID, events.ProofDecisionData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		DecidedBy:     approvedBy,
	})
	s.publish(ctx, events.EventInvoicePaid, inv.ID, events.InvoicePaidData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UserID:        inv.UserID,
		TotalMinor:    inv.Total.AmountMinor,
		Currency:      string(inv.Total.Currency),
		PaidAt:        now,
		Channel:       "manual_proof",
	})

	return inv, nil
}

// RejectProof returns a processing invoice to pending with evidence
// cleared so a fresh submission can follow.
func (s *Service) RejectProof(ctx context.Context, id, reason, rejectedBy string) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := inv.RejectProof(reason, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransition(ctx, inv, StatusProcessing); err != nil {
		return nil, err
	}

	s.logger.Info("payment proof rejected",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"rejected_by", rejectedBy,
		"reason", reason,
	)

	s.publish(ctx, events.EventProofRejected, inv.ID, events.ProofDecisionData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		DecidedBy:     rejectedBy,
		Reason:        reason,
	})

	return inv, nil
}

// Cancel voids an invoice that has not been paid.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Invoice, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	from := []Status{StatusPending, StatusOverdue, StatusProcessing}
	if err := inv.Cancel(reason, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransition(ctx, inv, from...); err != nil {
		return nil, err
	}

	s.logger.Info("invoice cancelled", "invoice_id", inv.ID, "reason", reason)

	s.publish(ctx, events.EventInvoiceCancelled, inv.ID, events.InvoiceGeneratedData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UserID:        inv.UserID,
		TotalMinor:    inv.Total.AmountMinor,
		Currency:      string(inv.Total.Currency),
	})

	return inv, nil
}

// Delete removes an invoice. Owner only, never once paid.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if inv.UserID != userID {
		return ErrNotOwner
	}
	if !inv.CanDelete(userID) {
		return &StateError{InvoiceID: id, Current: inv.Status, Attempted: "delete"}
	}

	return s.store.Delete(ctx, id)
}

// OverduePass relabels pending invoices past their due date. Advisory
// only; does not block payment.
func (s *Service) OverduePass(ctx context.Context) (int64, error) {
	n, err := s.store.MarkOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("invoices marked overdue", "count", n)
	}
	return n, nil
}

func (s *Service) publish(ctx context.Context, eventType, invoiceID string, data interface{}) {
	if s.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, "invoice", invoiceID, data)
	if err != nil {
		s.logger.Error("failed to create event", "error", err, "type", eventType)
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "error", err, "type", eventType)
	}
}
