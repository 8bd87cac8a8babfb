package payment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpay/internal/common/database"
	"marketpay/internal/common/events"
	"marketpay/internal/common/money"
	"marketpay/internal/gateway"
	"marketpay/internal/invoice"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) PublishBatch(ctx context.Context, es []*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, es...)
	return nil
}

func (p *fakePublisher) byType(eventType string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakePaymentStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{payments: make(map[string]*Payment)}
}

func (s *fakePaymentStore) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *fakePaymentStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePaymentStore) GetPendingByReference(ctx context.Context, reference string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Reference == reference && p.Status == StatusPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakePaymentStore) ListByInvoice(ctx context.Context, invoiceID string) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakePaymentStore) Complete(ctx context.Context, id, gatewayRef string, raw []byte, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != StatusPending {
		return ErrNotPending
	}
	p.Status = StatusCompleted
	p.GatewayReference = &gatewayRef
	p.RawResponse = raw
	p.CompletedAt = &completedAt
	return nil
}

func (s *fakePaymentStore) MarkFailed(ctx context.Context, id, reason string, raw []byte, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != StatusPending {
		return ErrNotPending
	}
	p.Status = StatusFailed
	p.FailureReason = &reason
	p.FailedAt = &failedAt
	return nil
}

func (s *fakePaymentStore) MarkRefunded(ctx context.Context, id string, refundedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != StatusCompleted {
		return ErrNotCompleted
	}
	p.Status = StatusRefunded
	p.RefundedAt = &refundedAt
	return nil
}

type fakeInvoiceService struct {
	mu        sync.Mutex
	invoices  map[string]*invoice.Invoice
	paidCalls int
}

func newFakeInvoiceService() *fakeInvoiceService {
	return &fakeInvoiceService{invoices: make(map[string]*invoice.Invoice)}
}

func (s *fakeInvoiceService) add(inv *invoice.Invoice) {
	s.invoices[inv.ID] = inv
}

func (s *fakeInvoiceService) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *fakeInvoiceService) GetByNumber(ctx context.Context, number string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.Number == number {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeInvoiceService) MarkPaid(ctx context.Context, id string, meta invoice.PaymentMeta, recordedBy string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if !inv.Status.IsPendingLike() && inv.Status != invoice.StatusProcessing {
		return nil, &invoice.StateError{InvoiceID: id, Current: inv.Status, Attempted: "mark paid"}
	}
	now := time.Now().UTC()
	inv.Status = invoice.StatusPaid
	inv.PaidAt = &now
	s.paidCalls++
	cp := *inv
	return &cp, nil
}

type fakeAdapter struct {
	name         string
	verification *gateway.Verification
	verifyErr    error
	initResult   *gateway.InitResult
	initErr      error
	refundErr    error
	verifyCalls  int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Initialize(ctx context.Context, payable gateway.Payable, customer gateway.Customer) (*gateway.InitResult, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	if a.initResult != nil {
		return a.initResult, nil
	}
	return &gateway.InitResult{RedirectURL: "https://pay.example/" + payable.Reference, Reference: payable.Reference}, nil
}

func (a *fakeAdapter) VerifyByReference(ctx context.Context, reference string) (*gateway.Verification, error) {
	a.verifyCalls++
	if a.verifyErr != nil {
		return nil, a.verifyErr
	}
	v := *a.verification
	v.Reference = reference
	return &v, nil
}

func (a *fakeAdapter) Refund(ctx context.Context, reference string) error {
	return a.refundErr
}

func testReconciler(t *testing.T, adapter *fakeAdapter) (*Reconciler, *fakePaymentStore, *fakeInvoiceService) {
	t.Helper()
	store := newFakePaymentStore()
	invoices := newFakeInvoiceService()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(store, invoices, []gateway.Adapter{adapter}, nil, logger)
	return r, store, invoices
}

func seedPendingPayment(store *fakePaymentStore, invoices *fakeInvoiceService, amountMinor int64) *Payment {
	now := time.Now().UTC()
	inv := &invoice.Invoice{
		ID:      "inv-1",
		Number:  "INV-202501-0001",
		UserID:  "user-1",
		Type:    invoice.TypeSubscription,
		Total:   money.NGNFromKobo(amountMinor),
		DueDate: now.Add(24 * time.Hour),
		Status:  invoice.StatusPending,
	}
	invoices.add(inv)

	p := &Payment{
		ID:        "pay-1",
		InvoiceID: inv.ID,
		UserID:    inv.UserID,
		Amount:    money.NGNFromKobo(amountMinor),
		Gateway:   gateway.Paystack,
		Reference: "PAY-TEST-1",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.payments[p.ID] = p
	return p
}

func TestWebhookSuccessCompletesOnce(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Paystack,
		verification: &gateway.Verification{
			Success:       true,
			Amount:        money.NGNFromKobo(53750),
			GatewayStatus: "success",
			Channel:       "card",
		},
	}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	event := WebhookEvent{Gateway: gateway.Paystack, Class: EventSucceeded, Reference: "PAY-TEST-1"}

	outcome, err := r.HandleWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)

	inv, err := invoices.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, inv.Status)
	assert.Equal(t, 1, invoices.paidCalls)

	// Duplicate delivery: no pending payment matches, safe no-op.
	outcome, err = r.HandleWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatch, outcome)
	assert.Equal(t, 1, invoices.paidCalls, "invoice transition happens exactly once")
	assert.Equal(t, 1, adapter.verifyCalls, "duplicate never reaches server-side verify")
}

func TestWebhookAmountMismatchLeavesPending(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Paystack,
		verification: &gateway.Verification{
			Success:       true,
			Amount:        money.NGNFromKobo(100), // gateway says less than owed
			GatewayStatus: "success",
		},
	}
	store := newFakePaymentStore()
	invoices := newFakeInvoiceService()
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(store, invoices, []gateway.Adapter{adapter}, pub, logger)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	outcome, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmountMismatch, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status, "payment stays pending for manual review")

	inv, err := invoices.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, inv.Status)

	// The mismatch event carries the human-facing invoice number.
	published := pub.byType(events.EventReconAmountMismatch)
	require.Len(t, published, 1)
	var data events.AmountMismatchData
	require.NoError(t, published[0].DecodeData(&data))
	assert.Equal(t, "INV-202501-0001", data.InvoiceNumber)
	assert.Equal(t, int64(53750), data.ExpectedMinor)
	assert.Equal(t, int64(100), data.ReceivedMinor)
}

func TestWebhookVerifyRejectedLeavesPending(t *testing.T) {
	adapter := &fakeAdapter{
		name:      gateway.Paystack,
		verifyErr: &gateway.RejectedError{Gateway: gateway.Paystack, Status: 400, Message: "transaction not found"},
	}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	// A terminal gateway answer is acknowledged, never surfaced as an
	// error that would trigger redelivery.
	outcome, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerifyMismatch, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 0, invoices.paidCalls)
}

func TestWebhookVerifyForeignCurrencyLeavesPending(t *testing.T) {
	adapter := &fakeAdapter{
		name:      gateway.Paystack,
		verifyErr: &gateway.AmountUnitError{Gateway: gateway.Paystack, Expected: money.NGN, Reported: "USD"},
	}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	outcome, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerifyMismatch, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 0, invoices.paidCalls)
}

func TestWebhookVerificationDisagreesLeavesPending(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Paystack,
		verification: &gateway.Verification{
			Success:       false,
			Amount:        money.NGNFromKobo(53750),
			GatewayStatus: "abandoned",
		},
	}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	outcome, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerifyMismatch, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
}

func TestWebhookFailureMarksPaymentFailed(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	outcome, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventFailed, Reference: "PAY-TEST-1", Reason: "insufficient funds"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "insufficient funds", *p.FailureReason)
	assert.Equal(t, 0, adapter.verifyCalls, "failure events skip server-side verify")

	// Invoice remains payable.
	inv, err := invoices.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, inv.Status)
}

func TestWebhookUnknownReferenceIsNoOp(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	r, _, _ := testReconciler(t, adapter)

	outcome, err := r.HandleWebhookEvent(context.Background(), WebhookEvent{Class: EventSucceeded, Reference: "PAY-NOBODY"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatch, outcome)
}

func TestWebhookIgnoredEventClass(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	r, _, _ := testReconciler(t, adapter)

	outcome, err := r.HandleWebhookEvent(context.Background(), WebhookEvent{Class: EventIgnored})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestWebhookVerifyUnreachableReturnsError(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack, verifyErr: gateway.ErrUnreachable}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	_, err := r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.ErrorIs(t, err, gateway.ErrUnreachable)

	// Nothing mutated; the gateway's retry will redeliver.
	p, err := store.GetByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
}

func TestInitialize(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750) // seeds inv-1
	ctx := context.Background()

	result, err := r.Initialize(ctx, InitializeInput{
		InvoiceID: "inv-1",
		UserID:    "user-1",
		Gateway:   gateway.Paystack,
		Email:     "seller@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RedirectURL)
	assert.Equal(t, StatusPending, result.Payment.Status)
	assert.Equal(t, int64(53750), result.Payment.Amount.AmountMinor)

	// The invoice number is accepted in place of the id.
	byNumber, err := r.Initialize(ctx, InitializeInput{
		InvoiceID: "INV-202501-0001",
		UserID:    "user-1",
		Gateway:   gateway.Paystack,
		Email:     "seller@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", byNumber.Payment.InvoiceID)

	// Wrong owner
	_, err = r.Initialize(ctx, InitializeInput{
		InvoiceID: "inv-1",
		UserID:    "user-2",
		Gateway:   gateway.Paystack,
		Email:     "x@example.com",
	})
	assert.ErrorIs(t, err, invoice.ErrNotOwner)
}

func TestInitializePaidInvoiceRejected(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	_, err := invoices.MarkPaid(ctx, "inv-1", invoice.PaymentMeta{}, "admin-1")
	require.NoError(t, err)

	_, err = r.Initialize(ctx, InitializeInput{
		InvoiceID: "inv-1",
		UserID:    "user-1",
		Gateway:   gateway.Paystack,
		Email:     "x@example.com",
	})
	var stateErr *invoice.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestRefund(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Paystack,
		verification: &gateway.Verification{
			Success: true,
			Amount:  money.NGNFromKobo(53750),
		},
	}
	r, store, invoices := testReconciler(t, adapter)
	seedPendingPayment(store, invoices, 53750)
	ctx := context.Background()

	// Refund before completion is rejected.
	_, err := r.Refund(ctx, "pay-1", "admin-1")
	assert.ErrorIs(t, err, ErrNotCompleted)

	_, err = r.HandleWebhookEvent(ctx, WebhookEvent{Class: EventSucceeded, Reference: "PAY-TEST-1"})
	require.NoError(t, err)

	p, err := r.Refund(ctx, "pay-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	require.NotNil(t, p.RefundedAt)
}
