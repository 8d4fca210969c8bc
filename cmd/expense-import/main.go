package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/expense-tracker/internal/app"
	"github.com/zombor/expense-tracker/internal/expense"
	"github.com/zombor/expense-tracker/internal/logging"
)

// receiptTypes maps importable extensions to content types
var receiptTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".heic": "image/heic",
	".heif": "image/heif",
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
		os.Exit(1)
	}

	fset := ff.NewFlagSet("expense-import")
	var (
		dir         = fset.StringLong("dir", "", "Directory of receipt images to import (required)")
		user        = fset.StringLong("user", "", "Email of the user who owns the receipts (required)")
		concurrency = fset.IntLong("concurrency", expense.DefaultBatchLimit, "Receipts processed at once")
		flags       = app.RegisterFlags(fset)
	)

	if err := ff.Parse(fset, os.Args[1:],
		ff.WithEnvVarPrefix(app.EnvVarPrefix),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fset))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *dir == "" || *user == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fset))
		fmt.Fprintf(os.Stderr, "error: --dir and --user are required\n")
		os.Exit(1)
	}

	opts := flags.Options()
	logConfig, err := logging.NewConfig(opts.LogLevel, opts.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploads, err := collectUploads(*dir, strings.ToLower(strings.TrimSpace(*user)))
	if err != nil {
		slog.Error("Failed to read receipts", "dir", *dir, "error", err)
		os.Exit(1)
	}
	if len(uploads) == 0 {
		slog.Warn("No receipts found", "dir", *dir)
		return
	}

	a, err := app.New(ctx, opts)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	slog.Info("Importing receipts", "count", len(uploads), "concurrency", *concurrency)
	runs := a.Service.ProcessBatch(ctx, uploads, *concurrency)

	var failed, unsaved int
	for i, run := range runs {
		switch {
		case run.Err == nil:
			fmt.Printf("ok       %s  %s  %s  %.2f\n", uploads[i].Filename, run.Expense.Merchant, run.Expense.Category, run.Expense.Confidence)
		case errors.Is(run.Err, expense.ErrPersistence):
			unsaved++
			fmt.Printf("unsaved  %s  %s  %v\n", uploads[i].Filename, run.Expense.Category, run.Err)
		default:
			failed++
			fmt.Printf("failed   %s  %v\n", uploads[i].Filename, run.Err)
		}
	}

	snap := a.Service.Metrics()
	slog.Info("Import finished",
		"processed", snap.ReceiptsProcessed,
		"failed", failed,
		"unsaved", unsaved,
		"average_confidence", snap.AverageConfidence,
		"average_processing_ms", snap.AverageProcessingTime,
	)

	if failed > 0 || unsaved > 0 {
		a.Close()
		os.Exit(2)
	}
}

// collectUploads reads every receipt file under dir
func collectUploads(dir, user string) ([]expense.Upload, error) {
	var uploads []expense.Upload
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		contentType, ok := receiptTypes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		uploads = append(uploads, expense.Upload{
			UserID:      user,
			Filename:    filepath.Base(path),
			Data:        data,
			ContentType: contentType,
		})
		return nil
	})
	return uploads, err
}
