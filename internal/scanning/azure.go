package scanning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

// ocrClient is the subset of the Computer Vision client used for receipts
type ocrClient interface {
	RecognizePrintedTextInStream(ctx context.Context, detectOrientation bool, image io.ReadCloser, language computervision.OcrLanguages) (computervision.OcrResult, error)
}

// Azure implements the Scanner interface using Azure Computer Vision OCR.
// The recognized text lines are turned into receipt fields by parseReceiptLines.
type Azure struct {
	client  ocrClient
	timeout time.Duration
}

// NewAzure creates a new Azure OCR Scanner instance
func NewAzure(endpoint, apiKey string) (*Azure, error) {
	if endpoint == "" || apiKey == "" {
		return nil, fmt.Errorf("azure endpoint and api key are required")
	}

	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(apiKey)

	return &Azure{
		client:  &client,
		timeout: 30 * time.Second,
	}, nil
}

// ScanReceipt enhances the image, runs printed text OCR and parses the lines
func (a *Azure) ScanReceipt(imageData []byte, contentType string) (*model.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	img, err := decodeReceipt(imageData, contentType)
	if err != nil {
		return nil, err
	}
	pngData, err := encodePNG(enhanceForOCR(img))
	if err != nil {
		return nil, err
	}

	result, err := a.client.RecognizePrintedTextInStream(ctx, true, io.NopCloser(bytes.NewReader(pngData)), computervision.OcrLanguages(computervision.En))
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	receipt, err := parseReceiptLines(ocrLines(result))
	if err != nil {
		return nil, fmt.Errorf("parsing receipt text: %w", err)
	}
	return receipt, nil
}

// Close is a no-op for the REST client
func (a *Azure) Close() error {
	return nil
}

// ocrLines flattens an OCR result into text lines in reading order
func ocrLines(result computervision.OcrResult) []string {
	var lines []string
	if result.Regions == nil {
		return lines
	}
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			if line.Words == nil {
				continue
			}
			words := make([]string, 0, len(*line.Words))
			for _, word := range *line.Words {
				if word.Text != nil {
					words = append(words, *word.Text)
				}
			}
			if text := strings.TrimSpace(strings.Join(words, " ")); text != "" {
				lines = append(lines, text)
			}
		}
	}
	return lines
}

var (
	amountPattern  = regexp.MustCompile(`-?\$?\s?(\d{1,3}(?:,\d{3})*|\d+)\.(\d{2})\b`)
	datePattern    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	letterPattern  = regexp.MustCompile(`[A-Za-z]`)
	totalPattern   = regexp.MustCompile(`(?i)\b(grand\s+total|total|amount\s+due|balance\s+due)\b`)
	skipPattern    = regexp.MustCompile(`(?i)\b(sub\s*-?total|tax|vat|change|cash|tend(er|ered)|visa|mastercard|amex|debit|credit|tip|discount|savings)\b`)
	subtotalFilter = regexp.MustCompile(`(?i)\bsub\s*-?total\b`)
)

// parseReceiptLines pulls merchant, date, items and total out of OCR text lines.
// The merchant is the first line containing letters; the total is the last
// line labelled as a total that is not a subtotal.
func parseReceiptLines(lines []string) (*model.Receipt, error) {
	if len(lines) == 0 {
		return nil, ErrNoReceipt
	}

	receipt := &model.Receipt{}
	var (
		dateText string
		total    *decimal.Decimal
	)

	for _, line := range lines {
		if receipt.Merchant == "" && letterPattern.MatchString(line) && !amountPattern.MatchString(line) {
			receipt.Merchant = line
			continue
		}
		if dateText == "" {
			if m := datePattern.FindString(line); m != "" {
				dateText = m
			}
		}

		amount, ok := lastAmount(line)
		if !ok {
			continue
		}
		if totalPattern.MatchString(line) && !subtotalFilter.MatchString(line) {
			total = &amount
			continue
		}
		if skipPattern.MatchString(line) || totalPattern.MatchString(line) {
			continue
		}
		desc := strings.TrimSpace(amountPattern.ReplaceAllString(line, ""))
		if desc == "" || !letterPattern.MatchString(desc) {
			continue
		}
		receipt.Items = append(receipt.Items, model.LineItem{Description: desc, Amount: amount})
	}

	receipt.Date = parseDate(dateText)
	switch {
	case total != nil:
		receipt.Total = *total
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

// lastAmount returns the right-most money amount on a line
func lastAmount(line string) (decimal.Decimal, bool) {
	matches := amountPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return decimal.Zero, false
	}
	m := matches[len(matches)-1]
	amount, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "") + "." + m[2])
	if err != nil {
		return decimal.Zero, false
	}
	if strings.HasPrefix(strings.TrimSpace(m[0]), "-") {
		amount = amount.Neg()
	}
	return amount, true
}
