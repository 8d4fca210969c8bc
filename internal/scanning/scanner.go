package scanning

import (
	"errors"

	"github.com/zombor/expense-tracker/internal/model"
)

var (
	// ErrNoReceipt is returned when nothing resembling a receipt was found in the image.
	ErrNoReceipt = errors.New("no receipt content detected")
	// ErrMissingField is returned when a required receipt field could not be read.
	ErrMissingField = errors.New("missing required receipt field")
)

// Scanner extracts structured receipt fields from an image or PDF.
// Implementations bound their own latency and do not retry.
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts merchant, date, line items and total
	ScanReceipt(imageData []byte, contentType string) (*model.Receipt, error)
	// Close closes the scanner and releases resources
	Close() error
}
