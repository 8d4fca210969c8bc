package classify

import (
	"log/slog"

	"github.com/zombor/expense-tracker/internal/model"
)

// Fallback is the guess used when the model cannot be reached or answers nonsense
var Fallback = Result{Category: "Other", Confidence: 0.4}

type fallbackClassifier struct {
	next     Classifier
	fallback Result
}

// WithFallback wraps c so that any classification error yields fallback instead
func WithFallback(c Classifier, fallback Result) Classifier {
	return &fallbackClassifier{next: c, fallback: fallback}
}

func (f *fallbackClassifier) Classify(receipt *model.Receipt) (Result, error) {
	result, err := f.next.Classify(receipt)
	if err != nil {
		slog.Warn("Classification failed, using fallback",
			"merchant", receipt.Merchant,
			"category", f.fallback.Category,
			"confidence", f.fallback.Confidence,
			"error", err,
		)
		return f.fallback, nil
	}
	return result, nil
}

func (f *fallbackClassifier) Close() error {
	return f.next.Close()
}
