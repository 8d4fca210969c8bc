package expense

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

func newTestExpense(id, user, merchant, total string, date time.Time) *model.Expense {
	return &model.Expense{
		ID:       id,
		UserID:   user,
		Merchant: merchant,
		Date:     date,
		Items: []model.LineItem{
			{Description: "Item", Amount: decimal.RequireFromString(total)},
		},
		Total:      decimal.RequireFromString(total),
		Category:   "Groceries",
		Confidence: 0.8,
		CreatedAt:  date,
	}
}

var _ = Describe("BoltDB", func() {
	var db *BoltDB

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveExpense and GetExpense", func() {
		It("round trips an expense", func() {
			expense := newTestExpense("e1", "ann", "Trader Joe's", "42.10", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
			Expect(db.SaveExpense(expense)).To(Succeed())

			saved, err := db.GetExpense("e1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Merchant).To(Equal("Trader Joe's"))
			Expect(saved.Total.Equal(decimal.RequireFromString("42.10"))).To(BeTrue())
			Expect(saved.Items).To(HaveLen(1))
			Expect(saved.Date.Equal(expense.Date)).To(BeTrue())
		})

		It("returns not found for an unknown id", func() {
			_, err := db.GetExpense("missing")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ListExpenses", func() {
		BeforeEach(func() {
			Expect(db.SaveExpense(newTestExpense("old", "ann", "A", "1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("new", "ann", "B", "2", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("other", "bob", "C", "3", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))).To(Succeed())
		})

		It("returns the user's expenses newest first", func() {
			expenses, err := db.ListExpenses("ann")
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(HaveLen(2))
			Expect(expenses[0].ID).To(Equal("new"))
			Expect(expenses[1].ID).To(Equal("old"))
		})

		It("returns an empty list for an unknown user", func() {
			expenses, err := db.ListExpenses("carol")
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(BeEmpty())
		})
	})

	Describe("DeleteExpense", func() {
		It("removes the expense", func() {
			Expect(db.SaveExpense(newTestExpense("e1", "ann", "A", "1", time.Now()))).To(Succeed())
			Expect(db.DeleteExpense("e1")).To(Succeed())

			_, err := db.GetExpense("e1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns not found for an unknown id", func() {
			Expect(db.DeleteExpense("missing")).To(MatchError(ErrNotFound))
		})
	})

	Describe("MerchantStats", func() {
		BeforeEach(func() {
			day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			Expect(db.SaveExpense(newTestExpense("1", "ann", "Starbucks", "4.50", day))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("2", "ann", "starbucks ", "5.50", day))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("3", "ann", "STARBUCKS", "6.00", day))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("4", "bob", "Starbucks", "100", day))).To(Succeed())
			Expect(db.SaveExpense(newTestExpense("5", "ann", "Shell", "40", day))).To(Succeed())
		})

		It("counts and averages the user's visits ignoring case and whitespace", func() {
			stats, err := db.MerchantStats("ann", "  Starbucks")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Frequency).To(Equal(3))
			Expect(stats.AverageSpend.String()).To(Equal("5.33"))
		})

		It("returns zero stats for a merchant never seen before", func() {
			stats, err := db.MerchantStats("ann", "Blue Bottle")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(Equal(model.MerchantStats{}))
		})
	})
})
