package expense

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Postgres", func() {
	var (
		db   *Postgres
		user string
	)

	BeforeEach(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			Skip("TEST_POSTGRES_DSN not set, skipping integration test")
		}

		var err error
		db, err = NewPostgres(context.Background(), dsn)
		Expect(err).NotTo(HaveOccurred())
		user = "test-" + uuid.NewString()
	})

	AfterEach(func() {
		if db != nil {
			db.pool.Exec(context.Background(), `DELETE FROM expenses WHERE user_id = $1`, user)
			db.Close()
		}
	})

	It("round trips an expense", func() {
		expense := newTestExpense(uuid.NewString(), user, "Costco", "123.45", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
		Expect(db.SaveExpense(expense)).To(Succeed())

		saved, err := db.GetExpense(expense.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.Merchant).To(Equal("Costco"))
		Expect(saved.Total.Equal(decimal.RequireFromString("123.45"))).To(BeTrue())
		Expect(saved.Items).To(HaveLen(1))
	})

	It("aggregates merchant stats case-insensitively", func() {
		day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		Expect(db.SaveExpense(newTestExpense(uuid.NewString(), user, "Costco", "10", day))).To(Succeed())
		Expect(db.SaveExpense(newTestExpense(uuid.NewString(), user, "COSTCO", "20", day))).To(Succeed())

		stats, err := db.MerchantStats(user, "costco ")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Frequency).To(Equal(2))
		Expect(stats.AverageSpend.Equal(decimal.NewFromInt(15))).To(BeTrue())
	})

	It("returns zero stats for an unseen merchant", func() {
		stats, err := db.MerchantStats(user, "Nowhere")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Frequency).To(BeZero())
	})

	It("returns not found for an unknown id", func() {
		_, err := db.GetExpense(uuid.NewString())
		Expect(err).To(MatchError(ErrNotFound))
		Expect(db.DeleteExpense(uuid.NewString())).To(MatchError(ErrNotFound))
	})
})
