// Package classify produces an initial category guess and confidence for an
// extracted receipt by asking a language model.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/zombor/expense-tracker/internal/model"
)

// Categories are the labels a classifier may return
var Categories = []string{
	"Food & Beverage",
	"Groceries",
	"Transport",
	"Shopping",
	"Utilities",
	"Entertainment",
	"Health & Pharmacy",
	"Electronics",
	"Automotive",
	"Other",
}

// ErrBadResponse is returned when the model's answer cannot be used
var ErrBadResponse = errors.New("unusable classification response")

// Result is a category guess with the model's confidence in [0,1]
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier guesses a category for a receipt
type Classifier interface {
	Classify(receipt *model.Receipt) (Result, error)
	Close() error
}

// classificationPrompt renders the request for one receipt
func classificationPrompt(receipt *model.Receipt) string {
	var items strings.Builder
	for _, item := range receipt.Items {
		fmt.Fprintf(&items, "- %s %s\n", item.Description, item.Amount.StringFixed(2))
	}

	return fmt.Sprintf(`You are an expense classification API. Return ONLY valid JSON.

Merchant: %q
Total: %s
Items:
%s
Valid categories:
%s

Return ONLY in this exact format:
{"category":"Food & Beverage","confidence":0.85}`,
		receipt.Merchant,
		receipt.Total.StringFixed(2),
		items.String(),
		strings.Join(Categories, "\n"),
	)
}

// parseResult reads a {"category","confidence"} object out of model output.
// Unknown categories map to "Other" at the reported confidence.
func parseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return Result{}, fmt.Errorf("%w: no JSON found in %q", ErrBadResponse, text)
	}

	var raw struct {
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if raw.Confidence == nil {
		return Result{}, fmt.Errorf("%w: missing confidence", ErrBadResponse)
	}
	conf := *raw.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v out of range", ErrBadResponse, conf)
	}

	category := canonicalCategory(raw.Category)
	if category == "" {
		slog.Warn("Classifier returned unknown category", "category", raw.Category)
		category = "Other"
	}
	return Result{Category: category, Confidence: conf}, nil
}

func canonicalCategory(name string) string {
	name = strings.TrimSpace(name)
	for _, c := range Categories {
		if strings.EqualFold(c, name) {
			return c
		}
	}
	return ""
}
