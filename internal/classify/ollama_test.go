package classify

import (
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

var _ = Describe("Ollama", func() {
	var (
		server     *ghttp.Server
		classifier *Ollama
		result     Result
		err        error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		classifier, err = NewOllama(server.URL(), "test-model")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = classifier.Classify(&model.Receipt{
			Merchant: "Shell",
			Total:    decimal.RequireFromString("45.10"),
		})
	})

	When("the model answers with JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/generate"),
				func(w http.ResponseWriter, r *http.Request) {
					body, _ := io.ReadAll(r.Body)
					var req generateRequest
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req.Model).To(Equal("test-model"))
					Expect(req.Format).To(Equal("json"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Prompt).To(ContainSubstring("Shell"))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, generateResponse{
					Response: `{"category":"Automotive","confidence":0.75}`,
					Done:     true,
				}),
			))
		})

		It("returns the parsed result", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(Result{Category: "Automotive", Confidence: 0.75}))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns an error with the status", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})

	When("the model answers with garbage", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, generateResponse{Response: "no idea"}))
		})

		It("returns a bad response error", func() {
			Expect(err).To(MatchError(ErrBadResponse))
		})
	})
})
