package payment

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
	"marketpay/internal/gateway"
	"marketpay/internal/invoice"
)

// SystemActor is the recorder id used for webhook-driven mutations.
const SystemActor = "system:webhook"

// InvoiceService is the slice of the invoice service the reconciler
// drives.
type InvoiceService interface {
	Get(ctx context.Context, id string) (*invoice.Invoice, error)
	GetByNumber(ctx context.Context, number string) (*invoice.Invoice, error)
	MarkPaid(ctx context.Context, id string, meta invoice.PaymentMeta, recordedBy string) (*invoice.Invoice, error)
}

// Reconciler converts verified gateway events into Payment and
// Invoice transitions, enforcing idempotency at each layer.
type Reconciler struct {
	store     Store
	invoices  InvoiceService
	adapters  map[string]gateway.Adapter
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. The publisher may be nil.
func NewReconciler(store Store, invoices InvoiceService, adapters []gateway.Adapter, publisher events.EventPublisher, logger *slog.Logger) *Reconciler {
	m := make(map[string]gateway.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Reconciler{
		store:     store,
		invoices:  invoices,
		adapters:  m,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitializeInput describes a checkout initialization request.
// InvoiceID accepts either the invoice id or the invoice number.
type InitializeInput struct {
	InvoiceID string `validate:"required"`
	UserID    string `validate:"required"`
	Gateway   string `validate:"required,oneof=paystack flutterwave"`
	Email     string `validate:"required,email"`
	Name      string `validate:"omitempty"`
	Phone     string `validate:"omitempty"`
}

// InitializeResult is the outcome of a checkout initialization.
type InitializeResult struct {
	Payment     *Payment `json:"payment"`
	RedirectURL string   `json:"redirect_url"`
}

// Initialize creates a pending payment attempt and a gateway checkout
// session for an unpaid invoice.
func (r *Reconciler) Initialize(ctx context.Context, input InitializeInput) (*InitializeResult, error) {
	adapter, ok := r.adapters[input.Gateway]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", input.Gateway)
	}

	inv, err := r.resolveInvoice(ctx, input.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.UserID != input.UserID {
		return nil, invoice.ErrNotOwner
	}
	if !inv.Status.IsPendingLike() {
		return nil, &invoice.StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "initialize payment"}
	}

	now := r.now()
	p := &Payment{
		ID:        ulid.Make().String(),
		InvoiceID: inv.ID,
		UserID:    inv.UserID,
		Amount:    inv.Total,
		Gateway:   input.Gateway,
		Reference: "PAY-" + ulid.Make().String(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	init, err := adapter.Initialize(ctx, gateway.Payable{
		Reference: p.Reference,
		Amount:    p.Amount,
		Narration: "Invoice " + inv.Number,
	}, gateway.Customer{
		Email: input.Email,
		Name:  input.Name,
		Phone: input.Phone,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("payment initialized",
		"payment_id", p.ID,
		"invoice_id", inv.ID,
		"gateway", p.Gateway,
		"reference", p.Reference,
	)

	r.publish(ctx, events.EventPaymentInitialized, p.ID, events.PaymentCompletedData{
		PaymentID:   p.ID,
		InvoiceID:   p.InvoiceID,
		Reference:   p.Reference,
		Gateway:     p.Gateway,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
	})

	return &InitializeResult{Payment: p, RedirectURL: init.RedirectURL}, nil
}

// resolveInvoice looks up by invoice number when the identifier parses
// as one, otherwise by id.
func (r *Reconciler) resolveInvoice(ctx context.Context, identifier string) (*invoice.Invoice, error) {
	if _, _, _, err := invoice.ParseNumber(identifier); err == nil {
		return r.invoices.GetByNumber(ctx, identifier)
	}
	return r.invoices.Get(ctx, identifier)
}

// EventClass is the normalized webhook event classification.
type EventClass string

const (
	EventSucceeded EventClass = "succeeded"
	EventFailed    EventClass = "failed"
	EventIgnored   EventClass = "ignored"
)

// WebhookEvent is a gateway webhook already authenticated and parsed
// into the fields the reconciler acts on.
type WebhookEvent struct {
	Gateway   string
	Class     EventClass
	Reference string
	Reason    string
}

// Outcome says what a webhook delivery actually did.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeNoMatch        Outcome = "no_match"
	OutcomeVerifyMismatch Outcome = "verify_mismatch"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
)

// HandleWebhookEvent runs the reconciliation algorithm for an
// authenticated webhook event. Errors are returned only for transient
// infrastructure failures, so the gateway redelivers; every business
// outcome, including duplicates, resolves to an Outcome and a nil
// error.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, event WebhookEvent) (Outcome, error) {
	if event.Class == EventIgnored {
		r.logger.Debug("ignoring webhook event", "gateway", event.Gateway)
		return OutcomeIgnored, nil
	}

	// First idempotency gate: only pending payments match. A second
	// delivery of the same event finds nothing and is a safe no-op.
	p, err := r.store.GetPendingByReference(ctx, event.Reference)
	if err != nil {
		if database.IsNotFound(err) {
			r.logger.Info("no pending payment for webhook reference",
				"gateway", event.Gateway,
				"reference", event.Reference,
			)
			return OutcomeNoMatch, nil
		}
		return "", fmt.Errorf("lookup payment: %w", err)
	}

	if event.Class == EventFailed {
		return r.handleFailure(ctx, p, event.Reason)
	}

	return r.handleSuccess(ctx, p, event)
}

func (r *Reconciler) handleSuccess(ctx context.Context, p *Payment, event WebhookEvent) (Outcome, error) {
	adapter, ok := r.adapters[p.Gateway]
	if !ok {
		return "", fmt.Errorf("no adapter for gateway %q", p.Gateway)
	}

	// Never trust the webhook body's success flag: re-verify
	// server-to-server.
	verification, err := adapter.VerifyByReference(ctx, p.Reference)
	if err != nil {
		if errors.Is(err, gateway.ErrUnreachable) {
			return "", err
		}
		var unitErr *gateway.AmountUnitError
		if errors.As(err, &unitErr) {
			r.logger.Warn("verification denominated in unexpected currency, leaving payment pending",
				"payment_id", p.ID,
				"reference", p.Reference,
				"reported", unitErr.Reported,
			)
			return OutcomeVerifyMismatch, nil
		}
		if gateway.IsRejected(err) {
			// Terminal gateway answer; redelivery cannot change it, so
			// acknowledge and leave the payment pending for review.
			r.logger.Warn("gateway rejected verification, leaving payment pending",
				"payment_id", p.ID,
				"reference", p.Reference,
				"error", err,
			)
			return OutcomeVerifyMismatch, nil
		}
		return "", fmt.Errorf("verify %s: %w", p.Reference, err)
	}

	if !verification.Success {
		r.logger.Warn("webhook claimed success but verification disagrees",
			"payment_id", p.ID,
			"reference", p.Reference,
			"gateway_status", verification.GatewayStatus,
		)
		return OutcomeVerifyMismatch, nil
	}

	if !verification.Amount.Equal(p.Amount) {
		r.logger.Warn("verification amount mismatch, leaving payment pending",
			"payment_id", p.ID,
			"reference", p.Reference,
			"expected_minor", p.Amount.AmountMinor,
			"received_minor", verification.Amount.AmountMinor,
		)
		r.publishMismatch(ctx, p, verification.Amount)
		return OutcomeAmountMismatch, nil
	}

	now := r.now()
	gatewayRef := verification.Reference
	if gatewayRef == "" {
		gatewayRef = p.Reference
	}

	// Second idempotency gate: the conditional update names exactly
	// one winner between concurrent deliveries.
	if err := r.store.Complete(ctx, p.ID, gatewayRef, verification.Raw, now); err != nil {
		if errors.Is(err, ErrNotPending) {
			r.logger.Info("payment already settled by concurrent delivery",
				"payment_id", p.ID,
				"reference", p.Reference,
			)
			return OutcomeNoMatch, nil
		}
		return "", fmt.Errorf("complete payment: %w", err)
	}

	r.logger.Info("payment completed",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"reference", p.Reference,
		"gateway", p.Gateway,
	)

	meta := invoice.PaymentMeta{
		Reference: p.Reference,
		Method:    verification.Channel,
		Gateway:   p.Gateway,
	}
	if _, err := r.invoices.MarkPaid(ctx, p.InvoiceID, meta, SystemActor); err != nil {
		var stateErr *invoice.StateError
		if errors.As(err, &stateErr) {
			// Invoice reached a terminal state through another path;
			// the ledger recorder's source-document idempotency keeps
			// the books straight.
			r.logger.Warn("invoice not in payable state after payment completion",
				"invoice_id", p.InvoiceID,
				"current", stateErr.Current,
			)
		} else {
			r.logger.Error("failed to mark invoice paid",
				"error", err,
				"invoice_id", p.InvoiceID,
				"payment_id", p.ID,
			)
		}
	}

	r.publish(ctx, events.EventPaymentCompleted, p.ID, events.PaymentCompletedData{
		PaymentID:   p.ID,
		InvoiceID:   p.InvoiceID,
		Reference:   p.Reference,
		Gateway:     p.Gateway,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
		CompletedAt: now,
	})

	return OutcomeCompleted, nil
}

func (r *Reconciler) handleFailure(ctx context.Context, p *Payment, reason string) (Outcome, error) {
	if reason == "" {
		reason = "gateway reported failure"
	}

	if err := r.store.MarkFailed(ctx, p.ID, reason, nil, r.now()); err != nil {
		if errors.Is(err, ErrNotPending) {
			return OutcomeNoMatch, nil
		}
		return "", fmt.Errorf("mark payment failed: %w", err)
	}

	// The invoice stays untouched and remains payable.
	r.logger.Info("payment failed",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"reference", p.Reference,
		"reason", reason,
	)

	r.publish(ctx, events.EventPaymentFailed, p.ID, events.PaymentFailedData{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		Reference: p.Reference,
		Gateway:   p.Gateway,
		Reason:    reason,
	})

	return OutcomeFailed, nil
}

// Refund refunds a completed payment at the gateway and records the
// transition.
func (r *Reconciler) Refund(ctx context.Context, paymentID, requestedBy string) (*Payment, error) {
	p, err := r.store.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, ErrNotCompleted
	}

	adapter, ok := r.adapters[p.Gateway]
	if !ok {
		return nil, fmt.Errorf("no adapter for gateway %q", p.Gateway)
	}

	if err := adapter.Refund(ctx, p.Reference); err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.store.MarkRefunded(ctx, p.ID, now); err != nil {
		return nil, err
	}
	p.Status = StatusRefunded
	p.RefundedAt = &now

	r.logger.Info("payment refunded",
		"payment_id", p.ID,
		"reference", p.Reference,
		"requested_by", requestedBy,
	)

	r.publish(ctx, events.EventPaymentRefunded, p.ID, events.PaymentFailedData{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		Reference: p.Reference,
		Gateway:   p.Gateway,
		Reason:    "refunded by " + requestedBy,
	})

	return p, nil
}

func (r *Reconciler) publishMismatch(ctx context.Context, p *Payment, received money.Money) {
	number := ""
	if inv, err := r.invoices.Get(ctx, p.InvoiceID); err == nil {
		number = inv.Number
	}
	r.publish(ctx, events.EventReconAmountMismatch, p.InvoiceID, events.AmountMismatchData{
		InvoiceID:     p.InvoiceID,
		InvoiceNumber: number,
		Reference:     p.Reference,
		Gateway:       p.Gateway,
		ExpectedMinor: p.Amount.AmountMinor,
		ReceivedMinor: received.AmountMinor,
	})
}

func (r *Reconciler) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if r.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, "payment", aggregateID, data)
	if err != nil {
		r.logger.Error("failed to create event", "error", err, "type", eventType)
		return
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish event", "error", err, "type", eventType)
	}
}
