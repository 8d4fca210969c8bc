package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/zombor/expense-tracker/internal/categorize"
	"github.com/zombor/expense-tracker/internal/model"
)

// bqExpense is the row layout of the expenses table
type bqExpense struct {
	ID            string    `bigquery:"id"`
	UserEmail     string    `bigquery:"user_email"`
	Merchant      string    `bigquery:"merchant"`
	Date          time.Time `bigquery:"transaction_date"`
	Items         string    `bigquery:"items"`
	NumberOfItems int64     `bigquery:"number_of_items"`
	Total         *big.Rat  `bigquery:"total"`
	Category      string    `bigquery:"category"`
	Confidence    float64   `bigquery:"confidence"`
	Iterations    int64     `bigquery:"iterations"`
	OCRConfidence float64   `bigquery:"ocr_confidence"`
	Filename      string    `bigquery:"filename"`
	ContentType   string    `bigquery:"content_type"`
	CreatedAt     time.Time `bigquery:"created_at"`
}

// BigQuery implements DB on a BigQuery table. Rows are appended with the
// streaming API, so a row deleted soon after insert may still be buffered.
type BigQuery struct {
	client  *bigquery.Client
	table   *bigquery.Table
	ref     string
	timeout time.Duration
}

// NewBigQuery opens project.dataset.table, creating the table if it is missing
func NewBigQuery(ctx context.Context, project, dataset, table string) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	t := client.Dataset(dataset).Table(table)
	if _, err := t.Metadata(ctx); err != nil {
		var gerr *googleapi.Error
		if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
			client.Close()
			return nil, fmt.Errorf("reading table metadata: %w", err)
		}
		schema, err := bigquery.InferSchema(bqExpense{})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("inferring schema: %w", err)
		}
		if err := t.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			client.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}

	return &BigQuery{
		client:  client,
		table:   t,
		ref:     fmt.Sprintf("`%s.%s.%s`", project, dataset, table),
		timeout: 30 * time.Second,
	}, nil
}

// SaveExpense streams one row into the table
func (b *BigQuery) SaveExpense(expense *model.Expense) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	row, err := toBQ(expense)
	if err != nil {
		return err
	}
	if err := b.table.Inserter().Put(ctx, row); err != nil {
		return fmt.Errorf("inserting row: %w", err)
	}
	return nil
}

// GetExpense retrieves an expense by ID
func (b *BigQuery) GetExpense(id string) (*model.Expense, error) {
	expenses, err := b.query(`SELECT * FROM `+b.ref+` WHERE id = @id LIMIT 1`,
		bigquery.QueryParameter{Name: "id", Value: id},
	)
	if err != nil {
		return nil, err
	}
	if len(expenses) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return expenses[0], nil
}

// ListExpenses returns the user's expenses, newest first
func (b *BigQuery) ListExpenses(userID string) ([]*model.Expense, error) {
	return b.query(`SELECT * FROM `+b.ref+` WHERE user_email = @user ORDER BY transaction_date DESC, created_at DESC`,
		bigquery.QueryParameter{Name: "user", Value: userID},
	)
}

// DeleteExpense removes an expense with a DML statement
func (b *BigQuery) DeleteExpense(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	q := b.client.Query(`DELETE FROM ` + b.ref + ` WHERE id = @id`)
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: id}}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running delete: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for delete: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	if status.Statistics == nil {
		return nil
	}
	if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok && stats.NumDMLAffectedRows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MerchantStats counts and sums the user's rows for merchant
func (b *BigQuery) MerchantStats(userID, merchant string) (model.MerchantStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	q := b.client.Query(`
		SELECT COUNT(*) AS frequency, IFNULL(SUM(total), CAST(0 AS NUMERIC)) AS total_spend
		FROM ` + b.ref + `
		WHERE user_email = @user
		  AND LOWER(TRIM(merchant)) = @merchant
		  AND total IS NOT NULL`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user", Value: userID},
		{Name: "merchant", Value: model.NormalizeMerchant(merchant)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return model.MerchantStats{}, fmt.Errorf("%w: querying merchant stats: %w", categorize.ErrLookup, err)
	}

	var row struct {
		Frequency  int64    `bigquery:"frequency"`
		TotalSpend *big.Rat `bigquery:"total_spend"`
	}
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return model.MerchantStats{}, nil
		}
		return model.MerchantStats{}, fmt.Errorf("%w: reading merchant stats: %w", categorize.ErrLookup, err)
	}

	return newMerchantStats(int(row.Frequency), ratToDecimal(row.TotalSpend)), nil
}

// Close closes the client
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) query(sql string, params ...bigquery.QueryParameter) ([]*model.Expense, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	q := b.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying expenses: %w", err)
	}

	expenses := make([]*model.Expense, 0)
	for {
		var row bqExpense
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		expense, err := fromBQ(row)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, expense)
	}
	return expenses, nil
}

func toBQ(e *model.Expense) (*bqExpense, error) {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return nil, fmt.Errorf("marshaling items: %w", err)
	}
	return &bqExpense{
		ID:            e.ID,
		UserEmail:     e.UserID,
		Merchant:      e.Merchant,
		Date:          e.Date,
		Items:         string(items),
		NumberOfItems: int64(len(e.Items)),
		Total:         e.Total.Rat(),
		Category:      e.Category,
		Confidence:    e.Confidence,
		Iterations:    int64(e.Iterations),
		OCRConfidence: e.OCRConfidence,
		Filename:      e.Filename,
		ContentType:   e.ContentType,
		CreatedAt:     e.CreatedAt,
	}, nil
}

func fromBQ(row bqExpense) (*model.Expense, error) {
	e := &model.Expense{
		ID:            row.ID,
		UserID:        row.UserEmail,
		Merchant:      row.Merchant,
		Date:          row.Date,
		Total:         ratToDecimal(row.Total),
		Category:      row.Category,
		Confidence:    row.Confidence,
		Iterations:    int(row.Iterations),
		OCRConfidence: row.OCRConfidence,
		Filename:      row.Filename,
		ContentType:   row.ContentType,
		CreatedAt:     row.CreatedAt,
	}
	if row.Items != "" {
		if err := json.Unmarshal([]byte(row.Items), &e.Items); err != nil {
			return nil, fmt.Errorf("unmarshaling items for %s: %w", row.ID, err)
		}
	}
	return e, nil
}

// ratToDecimal converts a NUMERIC value; NUMERIC has nine fractional digits
func ratToDecimal(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(r.FloatString(9))
	if err != nil {
		return decimal.Zero
	}
	return d
}
