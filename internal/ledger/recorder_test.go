package ledger

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
	"marketpay/internal/common/money"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*FinancialTransaction
	paid    []PaidInvoice
}

func newFakeLedgerStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*FinancialTransaction)}
}

func sourceKey(sourceType, sourceID string) string {
	return sourceType + "/" + sourceID
}

func (s *fakeStore) GetBySource(ctx context.Context, sourceType, sourceID string) (*FinancialTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.entries[sourceKey(sourceType, sourceID)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return tx, nil
}

func (s *fakeStore) Insert(ctx context.Context, tx *FinancialTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(tx.SourceType, tx.SourceID)
	if _, ok := s.entries[key]; ok {
		return database.ErrAlreadyExists
	}
	s.entries[key] = tx
	return nil
}

func (s *fakeStore) ListPaidInvoicesWithoutEntry(ctx context.Context, limit int) ([]PaidInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PaidInvoice
	for _, p := range s.paid {
		if _, ok := s.entries[sourceKey(SourceInvoice, p.InvoiceID)]; ok {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveCategory(t *testing.T) {
	cases := []struct {
		declaredType string
		description  string
		category     Category
		tier         string
	}{
		{"subscription", "", CategorySubscriptionFees, TierType},
		{"banner", "", CategoryBannerAds, TierType},
		{"SERVICE", "", CategoryServiceFees, TierType},
		{"", "Premium subscription renewal", CategorySubscriptionFees, TierKeyword},
		{"legacy", "Homepage advert slot for March", CategoryBannerAds, TierKeyword},
		{"", "Payment for equipment delivery", CategoryEquipmentSales, TierKeyword},
		{"", "Miscellaneous income", CategoryOtherIncome, TierDefault},
		{"unknown", "", CategoryOtherIncome, TierDefault},
	}

	for _, tc := range cases {
		category, tier := ResolveCategory(tc.declaredType, tc.description)
		assert.Equal(t, tc.category, category, "%s / %s", tc.declaredType, tc.description)
		assert.Equal(t, tc.tier, tier, "%s / %s", tc.declaredType, tc.description)
	}
}

func TestRecordIdempotent(t *testing.T) {
	store := newFakeLedgerStore()
	recorder := NewRecorder(store, nil, testLogger())
	ctx := context.Background()

	req := RecordRequest{
		SourceType:   SourceInvoice,
		SourceID:     "inv-1",
		Amount:       money.NGNFromKobo(53750),
		DeclaredType: "subscription",
		Description:  "Invoice INV-202501-0001",
		UserID:       "user-1",
		RecordedBy:   "admin-1",
	}

	first, created, err := recorder.Record(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, CategorySubscriptionFees, first.Category)
	assert.Equal(t, TypeIncome, first.Type)

	second, created, err := recorder.Record(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "both calls return the same row")
	assert.Len(t, store.entries, 1, "ledger gains exactly one row")
}

func TestRecordLosesInsertRace(t *testing.T) {
	store := newFakeLedgerStore()
	ctx := context.Background()

	// Simulate a concurrent winner slipping in between lookup and
	// insert: pre-plant the row the insert will collide with.
	winner := &FinancialTransaction{
		ID:         "winner",
		SourceType: SourceInvoice,
		SourceID:   "inv-2",
	}

	raceStore := &racingStore{fakeStore: store, planted: winner}
	racedRecorder := NewRecorder(raceStore, nil, testLogger())

	got, created, err := racedRecorder.Record(ctx, RecordRequest{
		SourceType: SourceInvoice,
		SourceID:   "inv-2",
		Amount:     money.NGNFromKobo(1000),
		UserID:     "user-1",
		RecordedBy: "admin-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", got.ID)
}

// racingStore reports not-found on first lookup, then plants the
// winner before the insert lands.
type racingStore struct {
	*fakeStore
	planted *FinancialTransaction
	looked  bool
}

func (s *racingStore) GetBySource(ctx context.Context, sourceType, sourceID string) (*FinancialTransaction, error) {
	if !s.looked {
		s.looked = true
		s.mu.Lock()
		s.entries[sourceKey(s.planted.SourceType, s.planted.SourceID)] = s.planted
		s.mu.Unlock()
		return nil, database.ErrNotFound
	}
	return s.fakeStore.GetBySource(ctx, sourceType, sourceID)
}

func TestRecordRequiresSource(t *testing.T) {
	recorder := NewRecorder(newFakeLedgerStore(), nil, testLogger())

	_, _, err := recorder.Record(context.Background(), RecordRequest{
		Amount: money.NGNFromKobo(100),
	})
	assert.Error(t, err)
}

func TestHistoricalSyncIdempotent(t *testing.T) {
	store := newFakeLedgerStore()
	recorder := NewRecorder(store, nil, testLogger())
	job := NewHistoricalSyncJob(store, recorder, testLogger())
	ctx := context.Background()

	method := "bank_transfer"
	ref := "TXN123"
	store.paid = []PaidInvoice{
		{
			InvoiceID:        "inv-1",
			Number:           "INV-202501-0001",
			UserID:           "user-1",
			Type:             "subscription",
			Description:      "Monthly subscription",
			Total:            money.NGNFromKobo(53750),
			PaymentMethod:    &method,
			PaymentReference: &ref,
			PaidAt:           time.Now().UTC(),
		},
		{
			InvoiceID:   "inv-2",
			Number:      "INV-202501-0002",
			UserID:      "user-2",
			Type:        "banner",
			Description: "Banner slot",
			Total:       money.NGNFromKobo(20000),
			PaidAt:      time.Now().UTC(),
		},
	}

	report, err := job.Run(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Recorded)
	assert.Equal(t, 0, report.Skipped)
	assert.Len(t, store.entries, 2)

	// Posted timestamps come from the original payment time.
	tx, err := store.GetBySource(ctx, SourceInvoice, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, CategorySubscriptionFees, tx.Category)
	require.NotNil(t, tx.PaymentReference)
	assert.Equal(t, "TXN123", *tx.PaymentReference)

	// Re-running produces zero additional rows.
	report, err = job.Run(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recorded)
	assert.Len(t, store.entries, 2)
}
