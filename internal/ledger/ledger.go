// Package ledger appends immutable financial transactions once a
// payment is confirmed.
package ledger

import (
	"strings"
	"time"

	"marketpay/internal/common/money"
)

// TxType is the ledger entry direction.
type TxType string

const (
	TypeIncome  TxType = "income"
	TypeExpense TxType = "expense"
)

// Category is the business category of a ledger entry.
type Category string

const (
	CategorySubscriptionFees Category = "subscription_fees"
	CategoryServiceFees      Category = "service_fees"
	CategoryEquipmentSales   Category = "equipment_sales"
	CategoryBannerAds        Category = "banner_advertising"
	CategoryOtherIncome      Category = "other_income"
)

// Source document types a ledger entry can reference.
const (
	SourceInvoice = "invoice"
	SourceOrder   = "order"
)

// FinancialTransaction is an immutable ledger entry. Never mutated
// after creation; at most one exists per (source_type, source_id).
type FinancialTransaction struct {
	ID               string      `json:"id"`
	Reference        string      `json:"reference"`
	Type             TxType      `json:"type"`
	Category         Category    `json:"category"`
	Amount           money.Money `json:"amount"`
	Description      string      `json:"description"`
	PaymentMethod    *string     `json:"payment_method,omitempty"`
	PaymentReference *string     `json:"payment_reference,omitempty"`
	UserID           string      `json:"user_id"`
	RecordedBy       string      `json:"recorded_by"`
	SourceType       string      `json:"source_type"`
	SourceID         string      `json:"source_id"`
	PostedAt         time.Time   `json:"posted_at"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Category resolution tiers, for observability.
const (
	TierType    = "type"
	TierKeyword = "keyword"
	TierDefault = "default"
)

var typeCategories = map[string]Category{
	"subscription": CategorySubscriptionFees,
	"service":      CategoryServiceFees,
	"equipment":    CategoryEquipmentSales,
	"banner":       CategoryBannerAds,
}

// Keyword fallback for records that predate strict typing. Substring
// matching against free text; a compatibility shim, not a primary
// mechanism.
var keywordCategories = []struct {
	keyword  string
	category Category
}{
	{"subscription", CategorySubscriptionFees},
	{"banner", CategoryBannerAds},
	{"advert", CategoryBannerAds},
	{"equipment", CategoryEquipmentSales},
	{"service", CategoryServiceFees},
}

// ResolveCategory maps a source document's declared type to a business
// category, falling back to description keywords, then other_income.
// The returned tier names which mechanism decided.
func ResolveCategory(declaredType, description string) (Category, string) {
	if c, ok := typeCategories[strings.ToLower(declaredType)]; ok {
		return c, TierType
	}

	desc := strings.ToLower(description)
	for _, k := range keywordCategories {
		if strings.Contains(desc, k.keyword) {
			return k.category, TierKeyword
		}
	}

	return CategoryOtherIncome, TierDefault
}
