// Package app builds the pipeline from command line flags.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/peterbourgon/ff/v4"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/categorize"
	"github.com/zombor/expense-tracker/internal/classify"
	"github.com/zombor/expense-tracker/internal/expense"
	"github.com/zombor/expense-tracker/internal/scanning"
)

// EnvVarPrefix is the prefix for environment variables mirroring the flags
const EnvVarPrefix = "EXPENSE_TRACKER"

// Options selects and configures the pipeline's collaborators
type Options struct {
	DB          string
	BoltPath    string
	PostgresDSN string
	BQProject   string
	BQDataset   string
	BQTable     string
	StoragePath string

	Scanner         string
	Classifier      string
	ClassifierModel string
	GeminiKey       string
	GeminiModel     string
	OllamaURL       string
	OllamaModel     string
	AzureEndpoint   string
	AzureKey        string

	ConfidenceThreshold     float64
	MaxIterations           int
	HighValueThreshold      string
	RepeatMerchantThreshold int

	LogLevel  string
	LogFormat string
}

// Flags holds the values bound to a flag set
type Flags struct {
	db, boltPath, postgresDSN, bqProject, bqDataset, bqTable, storagePath *string

	scanner, classifier, classifierModel, geminiKey, geminiModel, ollamaURL, ollamaModel *string
	azureEndpoint, azureKey                                                              *string

	confidenceThreshold     *float64
	maxIterations           *int
	highValueThreshold      *string
	repeatMerchantThreshold *int

	logLevel, logFormat *string
}

// RegisterFlags adds the pipeline flags to fs
func RegisterFlags(fs *ff.FlagSet) *Flags {
	defaults := categorize.DefaultConfig()
	return &Flags{
		db:          fs.StringLong("db", "bolt", "Database backend: 'bolt', 'postgres' or 'bigquery'"),
		boltPath:    fs.StringLong("bolt-path", "expense-tracker.db", "BoltDB file path"),
		postgresDSN: fs.StringLong("postgres-dsn", "", "PostgreSQL connection string"),
		bqProject:   fs.StringLong("bigquery-project", "", "BigQuery project ID"),
		bqDataset:   fs.StringLong("bigquery-dataset", "", "BigQuery dataset ID"),
		bqTable:     fs.StringLong("bigquery-table", "expenses", "BigQuery table ID"),
		storagePath: fs.StringLong("storage", "./receipts", "Receipt file storage directory"),

		scanner:         fs.StringLong("scanner", "gemini", "Scanner: 'gemini', 'ollama' or 'azure'"),
		classifier:      fs.StringLong("classifier", "gemini", "Classifier: 'gemini' or 'ollama'"),
		classifierModel: fs.StringLong("classifier-model", "", "Model used by the classifier (default per backend)"),
		geminiKey:       fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel:     fs.StringLong("gemini-model", "", "Google Gemini model name (default per use)"),
		ollamaURL:       fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:     fs.StringLong("ollama-model", "", "Ollama model name (default per use)"),
		azureEndpoint:   fs.StringLong("azure-endpoint", "", "Azure Computer Vision endpoint"),
		azureKey:        fs.StringLong("azure-key", "", "Azure Computer Vision subscription key"),

		confidenceThreshold:     fs.Float64Long("confidence-threshold", defaults.ConfidenceThreshold, "Stop refining once confidence reaches this value"),
		maxIterations:           fs.IntLong("max-iterations", defaults.MaxIterations, "Maximum refinement iterations per receipt"),
		highValueThreshold:      fs.StringLong("high-value-threshold", defaults.HighValueThreshold.String(), "Totals above this are tagged high value"),
		repeatMerchantThreshold: fs.IntLong("repeat-merchant-threshold", defaults.RepeatMerchantThreshold, "Visits before a merchant counts as familiar"),

		logLevel:  fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		logFormat: fs.StringLong("log-format", "text", "Log format: text or json"),
	}
}

// Options returns the parsed flag values
func (f *Flags) Options() Options {
	return Options{
		DB:          *f.db,
		BoltPath:    *f.boltPath,
		PostgresDSN: *f.postgresDSN,
		BQProject:   *f.bqProject,
		BQDataset:   *f.bqDataset,
		BQTable:     *f.bqTable,
		StoragePath: *f.storagePath,

		Scanner:         *f.scanner,
		Classifier:      *f.classifier,
		ClassifierModel: *f.classifierModel,
		GeminiKey:       *f.geminiKey,
		GeminiModel:     *f.geminiModel,
		OllamaURL:       *f.ollamaURL,
		OllamaModel:     *f.ollamaModel,
		AzureEndpoint:   *f.azureEndpoint,
		AzureKey:        *f.azureKey,

		ConfidenceThreshold:     *f.confidenceThreshold,
		MaxIterations:           *f.maxIterations,
		HighValueThreshold:      *f.highValueThreshold,
		RepeatMerchantThreshold: *f.repeatMerchantThreshold,

		LogLevel:  *f.logLevel,
		LogFormat: *f.logFormat,
	}
}

// EngineConfig builds and validates the refinement settings
func (o Options) EngineConfig() (categorize.Config, error) {
	config := categorize.DefaultConfig()
	config.ConfidenceThreshold = o.ConfidenceThreshold
	config.MaxIterations = o.MaxIterations
	config.RepeatMerchantThreshold = o.RepeatMerchantThreshold

	highValue, err := decimal.NewFromString(o.HighValueThreshold)
	if err != nil {
		return categorize.Config{}, fmt.Errorf("parsing high value threshold %q: %w", o.HighValueThreshold, err)
	}
	config.HighValueThreshold = highValue

	if err := config.Validate(); err != nil {
		return categorize.Config{}, err
	}
	return config, nil
}

func (o Options) geminiKey() string {
	if o.GeminiKey != "" {
		return o.GeminiKey
	}
	return os.Getenv("GEMINI_API_KEY")
}

// OpenDB opens the selected database backend
func OpenDB(ctx context.Context, o Options) (expense.DB, error) {
	switch o.DB {
	case "bolt":
		slog.Info("Initializing BoltDB...", "path", o.BoltPath)
		return expense.NewBoltDB(o.BoltPath)
	case "postgres":
		if o.PostgresDSN == "" {
			return nil, errors.New("postgres-dsn is required for the postgres backend")
		}
		slog.Info("Initializing PostgreSQL...")
		return expense.NewPostgres(ctx, o.PostgresDSN)
	case "bigquery":
		if o.BQProject == "" || o.BQDataset == "" {
			return nil, errors.New("bigquery-project and bigquery-dataset are required for the bigquery backend")
		}
		slog.Info("Initializing BigQuery...", "project", o.BQProject, "dataset", o.BQDataset, "table", o.BQTable)
		return expense.NewBigQuery(ctx, o.BQProject, o.BQDataset, o.BQTable)
	}
	return nil, fmt.Errorf("invalid database backend %q: valid are bolt, postgres or bigquery", o.DB)
}

// OpenScanner creates the selected receipt scanner
func OpenScanner(o Options) (scanning.Scanner, error) {
	switch o.Scanner {
	case "gemini":
		key := o.geminiKey()
		if key == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", o.GeminiModel)
		return scanning.NewGemini(key, o.GeminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", o.OllamaURL, "model", o.OllamaModel)
		return scanning.NewOllama(o.OllamaURL, o.OllamaModel)
	case "azure":
		slog.Info("Initializing Azure scanner...", "endpoint", o.AzureEndpoint)
		return scanning.NewAzure(o.AzureEndpoint, o.AzureKey)
	}
	return nil, fmt.Errorf("invalid scanner %q: valid are gemini, ollama or azure", o.Scanner)
}

// OpenClassifier creates the selected classifier, falling back to "Other" on errors
func OpenClassifier(o Options) (classify.Classifier, error) {
	var (
		c   classify.Classifier
		err error
	)
	switch o.Classifier {
	case "gemini":
		key := o.geminiKey()
		if key == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini classifier...")
		c, err = classify.NewGemini(key, o.ClassifierModel)
	case "ollama":
		slog.Info("Initializing Ollama classifier...", "url", o.OllamaURL)
		c, err = classify.NewOllama(o.OllamaURL, o.ClassifierModel)
	default:
		return nil, fmt.Errorf("invalid classifier %q: valid are gemini or ollama", o.Classifier)
	}
	if err != nil {
		return nil, err
	}
	return classify.WithFallback(c, classify.Fallback), nil
}

// App owns the service and everything that needs closing
type App struct {
	Service *expense.Service

	closers []io.Closer
}

// New opens every collaborator named in o and builds the service
func New(ctx context.Context, o Options) (*App, error) {
	config, err := o.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid categorization settings: %w", err)
	}

	a := &App{}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	db, err := OpenDB(ctx, o)
	if err != nil {
		return fail(fmt.Errorf("opening database: %w", err))
	}
	a.closers = append(a.closers, db)

	scanner, err := OpenScanner(o)
	if err != nil {
		return fail(fmt.Errorf("creating scanner: %w", err))
	}
	a.closers = append(a.closers, scanner)

	classifier, err := OpenClassifier(o)
	if err != nil {
		return fail(fmt.Errorf("creating classifier: %w", err))
	}
	a.closers = append(a.closers, classifier)

	store, err := expense.NewLocalStorage(o.StoragePath)
	if err != nil {
		return fail(err)
	}

	a.Service = expense.NewService(db, scanner, classifier, store, config)
	return a, nil
}

// Close releases everything New opened, newest first
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("Error closing", "error", err)
		}
	}
	a.closers = nil
}
