package expense

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/categorize"
	"github.com/zombor/expense-tracker/internal/model"
)

//go:embed 001_create_expenses.sql
var migrationSQL string

const expenseColumns = `id, user_id, merchant, date, items::text, total::text, category,
	confidence, iterations, ocr_confidence, filename, content_type, created_at`

// Postgres implements DB on PostgreSQL
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres connects to dsn and applies the schema
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return &Postgres{pool: pool, timeout: 10 * time.Second}, nil
}

// SaveExpense upserts the expense by ID
func (p *Postgres) SaveExpense(expense *model.Expense) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	items, err := json.Marshal(expense.Items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO expenses (
			id, user_id, merchant, merchant_key, date, items, total, category,
			confidence, iterations, ocr_confidence, filename, content_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::text::jsonb, $7::text::numeric, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			merchant = EXCLUDED.merchant,
			merchant_key = EXCLUDED.merchant_key,
			date = EXCLUDED.date,
			items = EXCLUDED.items,
			total = EXCLUDED.total,
			category = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			iterations = EXCLUDED.iterations,
			ocr_confidence = EXCLUDED.ocr_confidence,
			filename = EXCLUDED.filename,
			content_type = EXCLUDED.content_type`,
		expense.ID,
		expense.UserID,
		expense.Merchant,
		model.NormalizeMerchant(expense.Merchant),
		expense.Date,
		string(items),
		expense.Total.String(),
		expense.Category,
		expense.Confidence,
		expense.Iterations,
		expense.OCRConfidence,
		expense.Filename,
		expense.ContentType,
		expense.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}
	return nil
}

// GetExpense retrieves an expense by ID
func (p *Postgres) GetExpense(id string) (*model.Expense, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, id)
	expense, err := scanExpense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns the user's expenses, newest first
func (p *Postgres) ListExpenses(userID string) ([]*model.Expense, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE user_id = $1 ORDER BY date DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]*model.Expense, 0)
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expense: %w", err)
		}
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes an expense
func (p *Postgres) DeleteExpense(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM expenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MerchantStats aggregates the user's history at merchant in SQL
func (p *Postgres) MerchantStats(userID, merchant string) (model.MerchantStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var (
		count int64
		sum   string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total), 0)::text
		FROM expenses
		WHERE user_id = $1 AND merchant_key = $2`,
		userID, model.NormalizeMerchant(merchant),
	).Scan(&count, &sum)
	if err != nil {
		return model.MerchantStats{}, fmt.Errorf("%w: querying merchant stats: %w", categorize.ErrLookup, err)
	}

	total, err := decimal.NewFromString(sum)
	if err != nil {
		return model.MerchantStats{}, fmt.Errorf("%w: parsing total %q: %w", categorize.ErrLookup, sum, err)
	}
	return newMerchantStats(int(count), total), nil
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanExpense(row pgx.Row) (*model.Expense, error) {
	var (
		e     model.Expense
		items string
		total string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.Merchant, &e.Date, &items, &total, &e.Category,
		&e.Confidence, &e.Iterations, &e.OCRConfidence, &e.Filename, &e.ContentType, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &e.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}
	if e.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parsing total %q: %w", total, err)
	}
	return &e, nil
}
