// Package proof manages the manual payment-evidence path: owner
// uploads proof, an admin approves or rejects it.
package proof

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"marketpay/internal/invoice"
)

// FileStore is the external file-storage collaborator: store a file,
// get back a URL.
type FileStore interface {
	Store(ctx context.Context, name string, contents io.Reader) (url string, err error)
}

// InvoiceService is the slice of the invoice service the workflow
// drives.
type InvoiceService interface {
	Get(ctx context.Context, id string) (*invoice.Invoice, error)
	SubmitProof(ctx context.Context, id string, evidence invoice.Evidence) (*invoice.Invoice, error)
	ApproveProof(ctx context.Context, id, approvedBy string) (*invoice.Invoice, error)
	RejectProof(ctx context.Context, id, reason, rejectedBy string) (*invoice.Invoice, error)
}

// Decision actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Workflow wires evidence storage to invoice transitions.
type Workflow struct {
	invoices InvoiceService
	files    FileStore
	logger   *slog.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(invoices InvoiceService, files FileStore, logger *slog.Logger) *Workflow {
	return &Workflow{
		invoices: invoices,
		files:    files,
		logger:   logger,
	}
}

// Submission is the owner-supplied evidence metadata.
type Submission struct {
	Reference string `validate:"required"`
	Method    string `validate:"required"`
	Notes     string `validate:"omitempty"`
}

// Submit stores the evidence file and moves the invoice to
// processing. Only the invoice owner may submit, and only while the
// invoice is pending or overdue.
func (wf *Workflow) Submit(ctx context.Context, invoiceID, userID string, sub Submission, filename string, file io.Reader) (*invoice.Invoice, error) {
	inv, err := wf.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, invoice.ErrNotOwner
	}
	if !inv.Status.IsPendingLike() {
		return nil, &invoice.StateError{InvoiceID: invoiceID, Current: inv.Status, Attempted: "submit proof"}
	}

	proofURL, err := wf.files.Store(ctx, filename, file)
	if err != nil {
		return nil, fmt.Errorf("store proof file: %w", err)
	}

	updated, err := wf.invoices.SubmitProof(ctx, invoiceID, invoice.Evidence{
		Reference: sub.Reference,
		Method:    sub.Method,
		ProofURL:  proofURL,
		Notes:     sub.Notes,
	})
	if err != nil {
		// The stored file is orphaned; acceptable since access to the
		// bucket is admin-gated.
		return nil, err
	}

	wf.logger.Info("proof of payment submitted",
		"invoice_id", invoiceID,
		"user_id", userID,
		"reference", sub.Reference,
	)

	return updated, nil
}

// Decide resolves a processing invoice: approve marks it paid and
// posts the ledger entry, reject returns it to pending with evidence
// cleared. The evidence file is not deleted on reject; the reference
// to it is simply discarded.
func (wf *Workflow) Decide(ctx context.Context, invoiceID, action, notes, decidedBy string) (*invoice.Invoice, error) {
	switch action {
	case ActionApprove:
		return wf.invoices.ApproveProof(ctx, invoiceID, decidedBy)
	case ActionReject:
		reason := notes
		if reason == "" {
			reason = "rejected without comment"
		}
		return wf.invoices.RejectProof(ctx, invoiceID, reason, decidedBy)
	default:
		return nil, fmt.Errorf("unknown decision action %q", action)
	}
}
