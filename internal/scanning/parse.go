package scanning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

// dateLayouts are tried in order when a scanner returns a non-ISO date
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"1/2/06",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

type rawLineItem struct {
	Description string              `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
}

type rawReceipt struct {
	Merchant   string              `json:"merchant"`
	Date       string              `json:"date"`
	Items      []rawLineItem       `json:"items"`
	Total      decimal.NullDecimal `json:"total"`
	Confidence *float64            `json:"confidence"`
}

// extractJSONObject trims markdown fences and any chatter around the first JSON object
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("%w: no JSON object found in response", ErrNoReceipt)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("%w: invalid JSON object in response", ErrNoReceipt)
	}
	return text[startIdx : endIdx+1], nil
}

// parseReceiptJSON parses the JSON response of a vision model into a Receipt
func parseReceiptJSON(text string) (*model.Receipt, error) {
	obj, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var raw rawReceipt
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	receipt := &model.Receipt{
		Merchant: strings.TrimSpace(raw.Merchant),
		Date:     parseDate(raw.Date),
	}
	for _, item := range raw.Items {
		desc := strings.TrimSpace(item.Description)
		if desc == "" || !item.Amount.Valid {
			continue
		}
		receipt.Items = append(receipt.Items, model.LineItem{
			Description: desc,
			Amount:      item.Amount.Decimal,
		})
	}
	if raw.Confidence != nil {
		receipt.Confidence = *raw.Confidence
	}

	switch {
	case raw.Total.Valid:
		receipt.Total = raw.Total.Decimal
	case len(receipt.Items) > 0:
		receipt.Total = sumItems(receipt.Items)
	default:
		return nil, fmt.Errorf("%w: total", ErrMissingField)
	}

	if err := validateReceipt(receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// validateReceipt enforces the fields every extracted receipt must carry
func validateReceipt(r *model.Receipt) error {
	if r.Merchant == "" {
		return fmt.Errorf("%w: merchant", ErrMissingField)
	}
	if r.Total.IsNegative() {
		return fmt.Errorf("%w: total must not be negative, got %s", ErrMissingField, r.Total)
	}
	return nil
}

// parseDate normalizes a receipt date. Unreadable or missing dates fall back to today
// with a warning, since the stored date is then not the transaction date.
func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d
		}
	}
	slog.Warn("Receipt date unreadable, using today", "date", value)
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func sumItems(items []model.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}
