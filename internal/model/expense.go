// Package model holds the records that flow through the receipt pipeline.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is a single purchased line on a receipt
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Receipt is the structured result of extracting a receipt image.
// It is produced once by a scanner and not modified afterwards.
type Receipt struct {
	Merchant string          `json:"merchant"`
	Date     time.Time       `json:"date"`
	Items    []LineItem      `json:"items"`
	Total    decimal.Decimal `json:"total"`
	// Confidence is the scanner's own confidence in the extraction, 0 when unknown.
	Confidence float64 `json:"ocr_confidence,omitempty"`
}

// Expense is a categorized receipt owned by a user. This is the unit that gets persisted.
type Expense struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Merchant      string          `json:"merchant"`
	Date          time.Time       `json:"date"`
	Items         []LineItem      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Category      string          `json:"category"`
	Confidence    float64         `json:"confidence"`
	Iterations    int             `json:"iterations"`
	OCRConfidence float64         `json:"ocr_confidence,omitempty"`
	Filename      string          `json:"filename,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MerchantStats is the spend history of one user at one merchant
type MerchantStats struct {
	Frequency    int             `json:"frequency"`
	AverageSpend decimal.Decimal `json:"average_spend"`
}

// NewExpense folds a receipt and its final category into an Expense.
// The line items are copied so the receipt stays untouched.
func NewExpense(id, userID string, r *Receipt, category string, confidence float64, iterations int, createdAt time.Time) *Expense {
	items := make([]LineItem, len(r.Items))
	copy(items, r.Items)
	return &Expense{
		ID:            id,
		UserID:        userID,
		Merchant:      r.Merchant,
		Date:          r.Date,
		Items:         items,
		Total:         r.Total,
		Category:      category,
		Confidence:    confidence,
		Iterations:    iterations,
		OCRConfidence: r.Confidence,
		CreatedAt:     createdAt,
	}
}

// NormalizeMerchant returns the key used to group a merchant's history
func NormalizeMerchant(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
