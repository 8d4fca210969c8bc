// Package categorize refines an initial category guess for a receipt into a
// final category and confidence using deterministic rules and the user's
// spend history at the merchant.
package categorize

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

// HighValuePrefix marks a category assigned to a high value purchase
const HighValuePrefix = "High Value - "

var (
	// ErrInvalidInput is returned for out of range confidences or iteration budgets.
	ErrInvalidInput = errors.New("invalid categorization input")
	// ErrLookup is returned when merchant history cannot be read.
	ErrLookup = errors.New("merchant stats lookup failed")
)

// StatsProvider returns the spend history of a user at a merchant.
// A merchant with no history yields zero stats and a nil error.
type StatsProvider interface {
	MerchantStats(userID, merchant string) (model.MerchantStats, error)
}

// Config controls the refinement loop
type Config struct {
	ConfidenceThreshold     float64
	MaxIterations           int
	HighValueThreshold      decimal.Decimal
	HighValueBoost          float64
	RepeatMerchantThreshold int
	RepeatMerchantBoost     float64
}

// DefaultConfig returns the rule constants used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:     0.7,
		MaxIterations:           3,
		HighValueThreshold:      decimal.NewFromInt(200),
		HighValueBoost:          0.1,
		RepeatMerchantThreshold: 3,
		RepeatMerchantBoost:     0.1,
	}
}

// Validate checks the threshold and iteration budget
func (c Config) Validate() error {
	if math.IsNaN(c.ConfidenceThreshold) || c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v not in (0,1]", ErrInvalidInput, c.ConfidenceThreshold)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidInput, c.MaxIterations)
	}
	if c.HighValueBoost < 0 || c.RepeatMerchantBoost < 0 {
		return fmt.Errorf("%w: boosts must not be negative", ErrInvalidInput)
	}
	return nil
}

// Result is the outcome of one refinement run
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Iterations int     `json:"iterations"`
}

// state is owned by a single Refine call
type state struct {
	category   string
	confidence float64
	iterations int

	stats           *model.MerchantStats
	familiarApplied bool
}

// Engine runs the refinement loop. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	stats  StatsProvider
	config Config
}

// NewEngine creates an Engine reading merchant history from stats
func NewEngine(stats StatsProvider, config Config) *Engine {
	return &Engine{
		stats:  stats,
		config: config,
	}
}

// Config returns the engine's configuration
func (e *Engine) Config() Config {
	return e.config
}

// Refine turns an initial guess into a final category and confidence.
//
// The loop stops when the threshold is reached, the iteration budget is spent,
// or an iteration changes nothing. Merchant stats are read at most once per call.
func (e *Engine) Refine(userID string, receipt *model.Receipt, guess string, confidence float64) (Result, error) {
	if err := e.config.Validate(); err != nil {
		return Result{}, err
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Result{}, fmt.Errorf("%w: initial confidence %v not in [0,1]", ErrInvalidInput, confidence)
	}
	if receipt == nil {
		return Result{}, fmt.Errorf("%w: receipt is required", ErrInvalidInput)
	}

	s := &state{
		category:   guess,
		confidence: confidence,
	}

	for s.confidence < e.config.ConfidenceThreshold && s.iterations < e.config.MaxIterations {
		before := s.confidence

		e.applyHighValue(s, receipt)
		if err := e.applyFamiliarity(s, userID, receipt.Merchant); err != nil {
			return Result{}, err
		}
		s.iterations++

		slog.Debug("Refined category",
			"merchant", receipt.Merchant,
			"iteration", s.iterations,
			"category", s.category,
			"confidence", s.confidence,
		)

		if s.confidence == before {
			break
		}
	}

	return Result{
		Category:   s.category,
		Confidence: s.confidence,
		Iterations: s.iterations,
	}, nil
}

func (e *Engine) applyHighValue(s *state, receipt *model.Receipt) {
	if !receipt.Total.GreaterThan(e.config.HighValueThreshold) {
		return
	}
	if strings.HasPrefix(s.category, HighValuePrefix) {
		return
	}
	s.category = HighValuePrefix + s.category
	s.confidence = boost(s.confidence, e.config.HighValueBoost)
}

func (e *Engine) applyFamiliarity(s *state, userID, merchant string) error {
	if s.familiarApplied {
		return nil
	}
	if s.stats == nil {
		stats, err := e.stats.MerchantStats(userID, merchant)
		if err != nil {
			if errors.Is(err, ErrLookup) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrLookup, err)
		}
		s.stats = &stats
	}
	if s.stats.Frequency >= e.config.RepeatMerchantThreshold {
		s.confidence = boost(s.confidence, e.config.RepeatMerchantBoost)
		s.familiarApplied = true
	}
	return nil
}

// boost adds inc to c, capped at 1 and rounded to 6 places. It never returns less than c.
func boost(c, inc float64) float64 {
	next := math.Round((c+inc)*1e6) / 1e6
	if next > 1 {
		next = 1
	}
	return max(c, next)
}
