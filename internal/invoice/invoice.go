// Package invoice owns invoice records and their status transitions.
package invoice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketpay/internal/common/money"
)

// ErrNotOwner reports that the acting user does not own the invoice.
var ErrNotOwner = errors.New("invoice does not belong to user")

// Status is the stored invoice status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOverdue    Status = "overdue"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
)

// Overdue is advisory: a pending invoice past its due date. It keeps
// pending semantics for every transition.
func (s Status) IsPendingLike() bool {
	return s == StatusPending || s == StatusOverdue
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Type classifies what the invoice bills for. Used by the ledger to
// resolve the business category.
type Type string

const (
	TypeSubscription Type = "subscription"
	TypeService      Type = "service"
	TypeEquipment    Type = "equipment"
	TypeBanner       Type = "banner"
	TypeOther        Type = "other"
)

// LineItem is one billed line on an invoice.
type LineItem struct {
	Description string      `json:"description"`
	UnitPrice   money.Money `json:"unit_price"`
	Quantity    int64       `json:"quantity"`
	LineTotal   money.Money `json:"line_total"`
}

// Invoice is a bill owed by a user.
type Invoice struct {
	ID            string      `json:"id"`
	Number        string      `json:"invoice_number"`
	UserID        string      `json:"user_id"`
	ApplicationID *string     `json:"application_id,omitempty"`
	Type          Type        `json:"type"`
	Description   string      `json:"description"`
	LineItems     []LineItem  `json:"line_items"`
	Subtotal      money.Money `json:"subtotal"`
	Discount      money.Money `json:"discount"`
	TaxRateBPS    int64       `json:"tax_rate_bps"`
	TaxAmount     money.Money `json:"tax_amount"`
	Total         money.Money `json:"total"`
	DueDate       time.Time   `json:"due_date"`
	Status        Status      `json:"status"`

	// Payment evidence, set by the proof-of-payment flow.
	PaymentReference *string    `json:"payment_reference,omitempty"`
	PaymentMethod    *string    `json:"payment_method,omitempty"`
	ProofURL         *string    `json:"proof_url,omitempty"`
	ProofSubmittedAt *time.Time `json:"proof_submitted_at,omitempty"`

	Notes     string     `json:"notes,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StateError is returned when a transition is attempted from a state
// that does not permit it. The row is left unchanged.
type StateError struct {
	InvoiceID string
	Current   Status
	Attempted string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invoice %s: cannot %s from status %s", e.InvoiceID, e.Attempted, e.Current)
}

// Totals holds the derived monetary fields of an invoice.
type Totals struct {
	Subtotal  money.Money
	Discount  money.Money
	TaxAmount money.Money
	Total     money.Money
}

// ComputeTotals derives tax and total from subtotal, discount and the
// tax rate in basis points. Tax applies to the discounted subtotal.
// total = subtotal - discount + tax, and must be non-negative.
func ComputeTotals(subtotal, discount money.Money, taxRateBPS int64) (Totals, error) {
	if subtotal.IsNegative() || discount.IsNegative() {
		return Totals{}, fmt.Errorf("subtotal and discount must be non-negative")
	}

	afterDiscount, err := subtotal.Sub(discount)
	if err != nil {
		return Totals{}, err
	}
	if afterDiscount.IsNegative() {
		return Totals{}, fmt.Errorf("discount %s exceeds subtotal %s", discount, subtotal)
	}

	tax := afterDiscount.Percentage(taxRateBPS)
	total := afterDiscount.MustAdd(tax)

	return Totals{
		Subtotal:  subtotal,
		Discount:  discount,
		TaxAmount: tax,
		Total:     total,
	}, nil
}

// SumLineItems computes the subtotal from line items.
func SumLineItems(items []LineItem) (money.Money, error) {
	subtotal := money.Zero(money.NGN)
	for i, item := range items {
		if item.Quantity <= 0 {
			return money.Money{}, fmt.Errorf("line item %d: quantity must be positive", i)
		}
		expected := item.UnitPrice.Multiply(item.Quantity)
		if !item.LineTotal.Equal(expected) {
			return money.Money{}, fmt.Errorf("line item %d: line total %s does not match %s x %d", i, item.LineTotal, item.UnitPrice, item.Quantity)
		}
		var err error
		subtotal, err = subtotal.Add(item.LineTotal)
		if err != nil {
			return money.Money{}, err
		}
	}
	return subtotal, nil
}

// EffectiveStatus projects overdue at read time: a pending invoice
// past its due date reads as overdue without a stored transition.
func (inv *Invoice) EffectiveStatus(now time.Time) Status {
	if inv.Status == StatusPending && now.After(inv.DueDate) {
		return StatusOverdue
	}
	return inv.Status
}

// PaymentMeta describes how an invoice got paid.
type PaymentMeta struct {
	Reference string
	Method    string
	Gateway   string
	Note      string
}

// Evidence is user-submitted proof of an out-of-band payment.
type Evidence struct {
	Reference string
	Method    string
	ProofURL  string
	Notes     string
}

// MarkPaid transitions to paid. Legal from pending, overdue or
// processing.
func (inv *Invoice) MarkPaid(meta PaymentMeta, now time.Time) error {
	if !inv.Status.IsPendingLike() && inv.Status != StatusProcessing {
		return &StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "mark paid"}
	}

	inv.Status = StatusPaid
	inv.PaidAt = &now
	if meta.Reference != "" {
		ref := meta.Reference
		inv.PaymentReference = &ref
	}
	if meta.Method != "" {
		m := meta.Method
		inv.PaymentMethod = &m
	}
	inv.AppendNote(now, paymentNote(meta))
	inv.UpdatedAt = now
	return nil
}

// SubmitProof transitions to processing. Legal from pending or overdue.
func (inv *Invoice) SubmitProof(evidence Evidence, now time.Time) error {
	if !inv.Status.IsPendingLike() {
		return &StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "submit proof"}
	}

	inv.Status = StatusProcessing
	ref, method, proofURL := evidence.Reference, evidence.Method, evidence.ProofURL
	inv.PaymentReference = &ref
	inv.PaymentMethod = &method
	inv.ProofURL = &proofURL
	inv.ProofSubmittedAt = &now
	if evidence.Notes != "" {
		inv.AppendNote(now, "proof submitted: "+evidence.Notes)
	}
	inv.UpdatedAt = now
	return nil
}

// ApproveProof transitions processing to paid.
func (inv *Invoice) ApproveProof(approvedBy string, now time.Time) error {
	if inv.Status != StatusProcessing {
		return &StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "approve proof"}
	}

	meta := PaymentMeta{Note: "proof approved by " + approvedBy}
	if inv.PaymentReference != nil {
		meta.Reference = *inv.PaymentReference
	}
	if inv.PaymentMethod != nil {
		meta.Method = *inv.PaymentMethod
	}
	inv.Status = StatusPending // MarkPaid guards on pending-like
	return inv.MarkPaid(meta, now)
}

// RejectProof reverts processing to pending and clears the submitted
// evidence so a fresh submission can follow.
func (inv *Invoice) RejectProof(reason string, now time.Time) error {
	if inv.Status != StatusProcessing {
		return &StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "reject proof"}
	}

	inv.Status = StatusPending
	inv.PaymentReference = nil
	inv.PaymentMethod = nil
	inv.ProofURL = nil
	inv.ProofSubmittedAt = nil
	inv.AppendNote(now, "proof rejected: "+reason)
	inv.UpdatedAt = now
	return nil
}

// Cancel transitions to cancelled. Legal while not yet paid.
func (inv *Invoice) Cancel(reason string, now time.Time) error {
	if !inv.Status.IsPendingLike() && inv.Status != StatusProcessing {
		return &StateError{InvoiceID: inv.ID, Current: inv.Status, Attempted: "cancel"}
	}

	inv.Status = StatusCancelled
	if reason != "" {
		inv.AppendNote(now, "cancelled: "+reason)
	}
	inv.UpdatedAt = now
	return nil
}

// CanDelete reports whether self-service deletion is allowed: owner
// only, and never once paid.
func (inv *Invoice) CanDelete(userID string) bool {
	return inv.UserID == userID && (inv.Status.IsPendingLike() || inv.Status == StatusProcessing)
}

// AppendNote appends a timestamped line to the audit notes.
func (inv *Invoice) AppendNote(now time.Time, note string) {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note)
	if inv.Notes == "" {
		inv.Notes = line
		return
	}
	inv.Notes = inv.Notes + "\n" + line
}

func paymentNote(meta PaymentMeta) string {
	parts := []string{"paid"}
	if meta.Gateway != "" {
		parts = append(parts, "via "+meta.Gateway)
	}
	if meta.Reference != "" {
		parts = append(parts, "ref "+meta.Reference)
	}
	if meta.Method != "" {
		parts = append(parts, "method "+meta.Method)
	}
	if meta.Note != "" {
		parts = append(parts, meta.Note)
	}
	return strings.Join(parts, " ")
}
