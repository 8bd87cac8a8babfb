// Package gateway defines the payment gateway contract shared by all
// provider adapters.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketpay/internal/common/money"
)

// Known gateway names.
const (
	Paystack    = "paystack"
	Flutterwave = "flutterwave"
)

// Payable is the thing being paid for. Adapters only need the amount
// and a stable reference to initialize a checkout.
type Payable struct {
	Reference string
	Amount    money.Money
	Narration string
}

// Customer identifies the paying customer to the gateway.
type Customer struct {
	Email string
	Name  string
	Phone string
}

// InitResult is the outcome of initializing a checkout session.
type InitResult struct {
	// RedirectURL is where the customer completes payment.
	RedirectURL string
	// Reference is the transaction reference the gateway will echo back
	// in webhooks and verification responses.
	Reference string
	// AccessCode is a gateway-side session handle, when provided.
	AccessCode string
}

// Verification is the gateway's authoritative record of a transaction,
// fetched by reference. Amounts are normalized to minor units (kobo)
// regardless of the gateway's native unit.
type Verification struct {
	Success       bool
	Reference     string
	Amount        money.Money
	GatewayStatus string
	Channel       string
	PaidAt        *time.Time
	Raw           json.RawMessage
}

// Adapter is implemented by each payment gateway integration.
type Adapter interface {
	// Name returns the gateway identifier (e.g. "paystack").
	Name() string
	// Initialize creates a checkout session for the payable.
	Initialize(ctx context.Context, payable Payable, customer Customer) (*InitResult, error)
	// VerifyByReference fetches the gateway's record of a transaction.
	VerifyByReference(ctx context.Context, reference string) (*Verification, error)
	// Refund requests a refund of a completed transaction.
	Refund(ctx context.Context, reference string) error
}

// ErrUnreachable indicates a network or transport failure talking to
// the gateway. Callers treat this as retryable.
var ErrUnreachable = errors.New("gateway unreachable")

// RejectedError indicates the gateway processed the request and said no.
type RejectedError struct {
	Gateway string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected request: status=%d message=%s", e.Gateway, e.Status, e.Message)
}

// IsRejected reports whether err is a gateway rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// AmountUnitError indicates the gateway reported an amount denominated
// in a currency other than the settlement currency. Amounts in an
// unexpected unit must never reach the reconciler's amount check.
type AmountUnitError struct {
	Gateway  string
	Expected money.Currency
	Reported string
}

func (e *AmountUnitError) Error() string {
	return fmt.Sprintf("%s reported amount in %q, expected %s", e.Gateway, e.Reported, e.Expected)
}
