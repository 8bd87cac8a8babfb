package ledger

import (
	"context"
	"log/slog"
)

// HistoricalSyncJob backfills ledger entries for invoices marked paid
// before ledger recording existed. Record is idempotent, so the job
// can be interrupted and re-run safely.
type HistoricalSyncJob struct {
	store     Store
	recorder  *Recorder
	batchSize int
	logger    *slog.Logger
}

// NewHistoricalSyncJob creates a sync job.
func NewHistoricalSyncJob(store Store, recorder *Recorder, logger *slog.Logger) *HistoricalSyncJob {
	return &HistoricalSyncJob{
		store:     store,
		recorder:  recorder,
		batchSize: 100,
		logger:    logger,
	}
}

// SyncReport summarizes one run.
type SyncReport struct {
	Scanned  int `json:"scanned"`
	Recorded int `json:"recorded"`
	Skipped  int `json:"skipped"`
}

// Run processes paid invoices without a ledger entry until none
// remain or ctx is cancelled.
func (j *HistoricalSyncJob) Run(ctx context.Context, recordedBy string) (SyncReport, error) {
	var report SyncReport

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := j.store.ListPaidInvoicesWithoutEntry(ctx, j.batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		createdInBatch := 0
		for _, inv := range batch {
			report.Scanned++

			req := RecordRequest{
				SourceType:   SourceInvoice,
				SourceID:     inv.InvoiceID,
				Amount:       inv.Total,
				Type:         TypeIncome,
				DeclaredType: inv.Type,
				Description:  "Invoice " + inv.Number + ": " + inv.Description,
				UserID:       inv.UserID,
				RecordedBy:   recordedBy,
				PostedAt:     inv.PaidAt,
			}
			if inv.PaymentMethod != nil {
				req.PaymentMethod = *inv.PaymentMethod
			}
			if inv.PaymentReference != nil {
				req.PaymentReference = *inv.PaymentReference
			}

			_, created, err := j.recorder.Record(ctx, req)
			if err != nil {
				return report, err
			}
			if created {
				report.Recorded++
				createdInBatch++
			} else {
				report.Skipped++
			}
		}

		if len(batch) < j.batchSize {
			break
		}
		// A batch that created nothing cannot shrink the remaining
		// set, so the next query would return the same rows.
		if createdInBatch == 0 {
			break
		}
	}

	j.logger.Info("historical ledger sync complete",
		"scanned", report.Scanned,
		"recorded", report.Recorded,
		"skipped", report.Skipped,
	)

	return report, nil
}
