package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Common event types
const (
	// Invoice events
	EventInvoiceGenerated = "invoice.generated"
	EventInvoicePaid      = "invoice.paid"
	EventInvoiceCancelled = "invoice.cancelled"

	// Payment events
	EventPaymentInitialized = "payment.initialized"
	EventPaymentCompleted   = "payment.completed"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"

	// Reconciliation events
	EventReconAmountMismatch = "recon.amount_mismatch"

	// Proof of payment events
	EventProofSubmitted = "proof.submitted"
	EventProofApproved  = "proof.approved"
	EventProofRejected  = "proof.rejected"

	// Ledger events
	EventLedgerRecorded = "ledger.transaction.recorded"
)

// Event data structures

// InvoiceGeneratedData is the data for invoice.generated events
type InvoiceGeneratedData struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	UserID        string `json:"user_id"`
	TotalMinor    int64  `json:"total_minor"`
	Currency      string `json:"currency"`
	DueDate       string `json:"due_date"`
}

// InvoicePaidData is the data for invoice.paid events
type InvoicePaidData struct {
	InvoiceID     string    `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	UserID        string    `json:"user_id"`
	TotalMinor    int64     `json:"total_minor"`
	Currency      string    `json:"currency"`
	PaidAt        time.Time `json:"paid_at"`
	Channel       string    `json:"channel"`
}

// PaymentCompletedData is the data for payment.completed events
type PaymentCompletedData struct {
	PaymentID     string    `json:"payment_id"`
	InvoiceID     string    `json:"invoice_id"`
	Reference     string    `json:"reference"`
	Gateway       string    `json:"gateway"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	CompletedAt   time.Time `json:"completed_at"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	PaymentID string `json:"payment_id"`
	InvoiceID string `json:"invoice_id"`
	Reference string `json:"reference"`
	Gateway   string `json:"gateway"`
	Reason    string `json:"reason"`
}

// AmountMismatchData is the data for recon.amount_mismatch events
type AmountMismatchData struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Reference     string `json:"reference"`
	Gateway       string `json:"gateway"`
	ExpectedMinor int64  `json:"expected_minor"`
	ReceivedMinor int64  `json:"received_minor"`
}

// LedgerRecordedData is the data for ledger.transaction.recorded events
type LedgerRecordedData struct {
	TransactionID string `json:"transaction_id"`
	SourceType    string `json:"source_type"`
	SourceID      string `json:"source_id"`
	Category      string `json:"category"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

// ProofDecisionData is the data for proof.approved and proof.rejected events
type ProofDecisionData struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	DecidedBy     string `json:"decided_by"`
	Reason        string `json:"reason,omitempty"`
}
