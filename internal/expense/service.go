package expense

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/expense-tracker/internal/categorize"
	"github.com/zombor/expense-tracker/internal/classify"
	"github.com/zombor/expense-tracker/internal/model"
	"github.com/zombor/expense-tracker/internal/scanning"
)

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Upload is one receipt file submitted by a user
type Upload struct {
	UserID      string
	Filename    string
	Data        []byte
	ContentType string
}

// Service runs receipts through the pipeline and answers queries on stored expenses
type Service struct {
	db          DB
	scanner     scanning.Scanner
	classifier  classify.Classifier
	engine      *categorize.Engine
	storage     Storage
	metrics     *Metrics
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service. Merchant history for categorization is read from db.
func NewService(db DB, scanner scanning.Scanner, classifier classify.Classifier, storage Storage, config categorize.Config) *Service {
	return NewServiceWithDeps(db, scanner, classifier, storage, config, uuidGenerator{}, systemClock{})
}

// NewServiceWithDeps creates a Service with custom ID and time sources for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, classifier classify.Classifier, storage Storage, config categorize.Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		classifier:  classifier,
		engine:      categorize.NewEngine(db, config),
		storage:     storage,
		metrics:     NewMetrics(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	filenameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces     = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips phone-camera noise from an upload name and caps its length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if filenameDisallowed.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameDisallowed.ReplaceAllString(base, "")
	base = strings.TrimSpace(filenameSpaces.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// ProcessReceipt extracts, categorizes and stores one receipt.
//
// When storing fails the categorized expense is still returned together with
// an error matching ErrPersistence. Earlier failures return a nil expense.
func (s *Service) ProcessReceipt(ctx context.Context, userID, filename string, data []byte, contentType string) (*model.Expense, error) {
	run := s.Process(ctx, Upload{
		UserID:      userID,
		Filename:    filename,
		Data:        data,
		ContentType: contentType,
	})
	return run.Expense, run.Err
}

// Process runs one upload through the pipeline and returns the full run record
func (s *Service) Process(ctx context.Context, upload Upload) *Run {
	start := s.timeSource.Now()
	run := s.process(ctx, upload)
	elapsed := s.timeSource.Now().Sub(start)
	s.metrics.record(run, elapsed)

	attrs := []any{
		"user", upload.UserID,
		"filename", upload.Filename,
		"state", run.State().String(),
		"duration", elapsed,
	}
	if run.Expense != nil {
		attrs = append(attrs,
			"merchant", run.Expense.Merchant,
			"category", run.Expense.Category,
			"confidence", run.Expense.Confidence,
			"iterations", run.Expense.Iterations,
		)
	}
	if run.Err != nil {
		slog.Error("Receipt processing failed", append(attrs, "error", run.Err)...)
	} else {
		slog.Info("Processed receipt", attrs...)
	}
	return run
}

func (s *Service) process(ctx context.Context, upload Upload) *Run {
	run := newRun()

	receipt, err := s.extract(ctx, upload)
	if err != nil {
		return run.fail(StageExtraction, err)
	}
	run.advance(StateExtracted)

	expense, err := s.categorize(ctx, upload, receipt)
	if err != nil {
		return run.fail(StageCategorization, err)
	}
	run.Expense = expense
	run.advance(StateCategorized)

	if err := s.persist(ctx, expense, upload); err != nil {
		return run.fail(StagePersistence, err)
	}
	run.advance(StatePersisted)
	return run
}

func (s *Service) extract(ctx context.Context, upload Upload) (*model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	receipt, err := s.scanner.ScanReceipt(upload.Data, upload.ContentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", upload.Filename,
			"content_type", upload.ContentType,
			"file_size", len(upload.Data),
			"error", err,
		)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	return receipt, nil
}

func (s *Service) categorize(ctx context.Context, upload Upload, receipt *model.Receipt) (*model.Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guess, err := s.classifier.Classify(receipt)
	if err != nil {
		return nil, fmt.Errorf("classifying receipt: %w", err)
	}

	result, err := s.engine.Refine(upload.UserID, receipt, guess.Category, guess.Confidence)
	if err != nil {
		return nil, fmt.Errorf("refining category: %w", err)
	}

	expense := model.NewExpense(
		s.idGenerator.Generate(),
		upload.UserID,
		receipt,
		result.Category,
		result.Confidence,
		result.Iterations,
		s.timeSource.Now(),
	)
	expense.ContentType = upload.ContentType
	return expense, nil
}

// persist stores the file and then the record. The file is removed again if the record cannot be saved.
func (s *Service) persist(ctx context.Context, expense *model.Expense, upload Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ref, err := s.storage.Save(fmt.Sprintf("%s_%s", expense.ID, sanitizeFilename(upload.Filename)), upload.Data)
	if err != nil {
		return fmt.Errorf("saving file: %w", err)
	}
	expense.Filename = ref

	if err := s.db.SaveExpense(expense); err != nil {
		if delErr := s.storage.Delete(ref); delErr != nil {
			slog.Warn("Failed to remove file after database error", "filename", ref, "error", delErr)
		}
		expense.Filename = ""
		return fmt.Errorf("saving expense to database: %w", err)
	}
	return nil
}

// GetExpense returns one of the user's expenses
func (s *Service) GetExpense(userID, id string) (*model.Expense, error) {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	if expense.UserID != userID {
		return nil, fmt.Errorf("getting expense: %w: %s", ErrNotFound, id)
	}
	return expense, nil
}

// ListExpenses returns the user's expenses, newest first
func (s *Service) ListExpenses(userID string) ([]*model.Expense, error) {
	expenses, err := s.db.ListExpenses(userID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes one of the user's expenses and its file
func (s *Service) DeleteExpense(userID, id string) error {
	expense, err := s.GetExpense(userID, id)
	if err != nil {
		return err
	}

	if expense.Filename != "" {
		if err := s.storage.Delete(expense.Filename); err != nil {
			slog.Warn("Failed to delete file", "filename", expense.Filename, "error", err)
		}
	}

	if err := s.db.DeleteExpense(id); err != nil {
		return fmt.Errorf("deleting expense from database: %w", err)
	}
	return nil
}

// GetExpenseFile returns the original upload for one of the user's expenses
func (s *Service) GetExpenseFile(userID, id string) ([]byte, string, error) {
	expense, err := s.GetExpense(userID, id)
	if err != nil {
		return nil, "", err
	}
	if expense.Filename == "" {
		return nil, "", fmt.Errorf("getting expense file: %w: no file for %s", ErrNotFound, id)
	}

	data, err := s.storage.Get(expense.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting expense file: %w", err)
	}
	return data, expense.ContentType, nil
}

// MerchantStats returns the user's history at merchant
func (s *Service) MerchantStats(userID, merchant string) (model.MerchantStats, error) {
	stats, err := s.db.MerchantStats(userID, merchant)
	if err != nil {
		return model.MerchantStats{}, fmt.Errorf("getting merchant stats: %w", err)
	}
	return stats, nil
}

// Metrics returns a snapshot of the pipeline counters
func (s *Service) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}
