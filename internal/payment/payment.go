// Package payment owns payment attempts and reconciles gateway
// outcomes against invoices.
package payment

import (
	"encoding/json"
	"errors"
	"time"

	"marketpay/internal/common/money"
)

// Status is the payment attempt status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is one attempt to settle an invoice through a gateway. Many
// attempts may exist per invoice; at most one reaches completed.
type Payment struct {
	ID        string      `json:"id"`
	InvoiceID string      `json:"invoice_id"`
	UserID    string      `json:"user_id"`
	Amount    money.Money `json:"amount"`
	Gateway   string      `json:"gateway"`
	// Reference is the system-generated value sent to the gateway and
	// echoed back in webhooks.
	Reference string `json:"reference"`
	// GatewayReference is the gateway's own transaction id.
	GatewayReference *string         `json:"gateway_reference,omitempty"`
	Status           Status          `json:"status"`
	RawResponse      json.RawMessage `json:"-"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ErrNotPending reports that a conditional transition found the
// payment already out of pending. This is the idempotency outcome for
// duplicate deliveries, not a failure.
var ErrNotPending = errors.New("payment is not pending")

// ErrNotCompleted reports a refund attempted on a payment that never
// completed.
var ErrNotCompleted = errors.New("payment is not completed")
