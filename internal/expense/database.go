package expense

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/expense-tracker/internal/categorize"
	"github.com/zombor/expense-tracker/internal/model"
)

const expensesBucket = "expenses"

// DB is the persistence sink. It also answers merchant history for categorization.
type DB interface {
	// SaveExpense inserts or replaces an expense
	SaveExpense(expense *model.Expense) error

	// GetExpense returns ErrNotFound when id is unknown
	GetExpense(id string) (*model.Expense, error)

	// ListExpenses returns a user's expenses, newest first
	ListExpenses(userID string) ([]*model.Expense, error)

	DeleteExpense(id string) error

	// MerchantStats returns zero stats, not an error, for an unseen merchant
	MerchantStats(userID, merchant string) (model.MerchantStats, error)

	Close() error
}

// BoltDB implements DB on an embedded bbolt file
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens or creates the database at path
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(expensesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveExpense stores the expense as JSON keyed by ID
func (b *BoltDB) SaveExpense(expense *model.Expense) error {
	data, err := json.Marshal(expense)
	if err != nil {
		return fmt.Errorf("marshaling expense: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expensesBucket)).Put([]byte(expense.ID), data)
	})
}

// GetExpense retrieves an expense by ID
func (b *BoltDB) GetExpense(id string) (*model.Expense, error) {
	var expense *model.Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(expensesBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &expense)
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// ListExpenses returns the user's expenses, newest first
func (b *BoltDB) ListExpenses(userID string) ([]*model.Expense, error) {
	expenses := make([]*model.Expense, 0)
	err := b.forEach(func(e *model.Expense) {
		if e.UserID == userID {
			expenses = append(expenses, e)
		}
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(expenses)
	return expenses, nil
}

// DeleteExpense removes an expense
func (b *BoltDB) DeleteExpense(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(expensesBucket))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}

// MerchantStats counts and averages the user's expenses at merchant,
// matching names case-insensitively.
func (b *BoltDB) MerchantStats(userID, merchant string) (model.MerchantStats, error) {
	key := model.NormalizeMerchant(merchant)

	var (
		count int
		sum   decimal.Decimal
	)
	err := b.forEach(func(e *model.Expense) {
		if e.UserID == userID && model.NormalizeMerchant(e.Merchant) == key {
			count++
			sum = sum.Add(e.Total)
		}
	})
	if err != nil {
		return model.MerchantStats{}, fmt.Errorf("%w: %w", categorize.ErrLookup, err)
	}
	return newMerchantStats(count, sum), nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) forEach(fn func(e *model.Expense)) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expensesBucket)).ForEach(func(k, v []byte) error {
			var e model.Expense
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling expense %s: %w", k, err)
			}
			fn(&e)
			return nil
		})
	})
}

func newMerchantStats(count int, sum decimal.Decimal) model.MerchantStats {
	if count == 0 {
		return model.MerchantStats{}
	}
	return model.MerchantStats{
		Frequency:    count,
		AverageSpend: sum.Div(decimal.NewFromInt(int64(count))).Round(2),
	}
}

func sortNewestFirst(expenses []*model.Expense) {
	slices.SortStableFunc(expenses, func(a, b *model.Expense) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
