package expense

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/model"
)

func multipartUpload(filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())

	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		classifier  *mockClassifier
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		service := NewServiceWithDeps(db, scanner, classifier, storage, testConfig(),
			&mockIDGenerator{id: "exp-1"},
			&mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		)
		server := NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	do := func(method, path string, body io.Reader, header http.Header) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(data []byte) *http.Response {
		body, contentType := multipartUpload("receipt.jpg", "image/jpeg", data)
		return do(http.MethodPost, "/api/receipts", body, http.Header{
			"Content-Type": {contentType},
			"X-User-Email": {"Ann@Example.com"},
		})
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		classifier = newMockClassifier()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("POST /api/receipts", func() {
		When("the pipeline succeeds", func() {
			It("returns 201 with the saved expense", func() {
				resp := upload([]byte("image"))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var out uploadResponse
				Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
				Expect(out.Saved).To(BeTrue())
				Expect(out.Expense.ID).To(Equal("exp-1"))
				Expect(out.Expense.UserID).To(Equal("ann@example.com"))
				Expect(out.Expense.Category).To(Equal("High Value - Electronics"))
			})
		})

		When("extraction fails", func() {
			It("returns 422", func() {
				resp := upload([]byte("unreadable"))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("categorization fails", func() {
			BeforeEach(func() {
				classifier.err = errors.New("quota exceeded")
			})

			It("returns 502", func() {
				resp := upload([]byte("image"))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			})
		})

		When("persistence fails", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("disk full")
			})

			It("returns 202 with the unsaved expense and a warning", func() {
				resp := upload([]byte("image"))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var out uploadResponse
				Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
				Expect(out.Saved).To(BeFalse())
				Expect(out.Warning).NotTo(BeEmpty())
				Expect(out.Expense).NotTo(BeNil())
				Expect(out.Expense.Category).To(Equal("High Value - Electronics"))
			})
		})

		When("no file is attached", func() {
			It("returns 400", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("note", "hi")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp := do(http.MethodPost, "/api/receipts", body, http.Header{"Content-Type": {writer.FormDataContentType()}})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/expenses", func() {
		BeforeEach(func() {
			db.expenses["a"] = &model.Expense{ID: "a", UserID: "ann@example.com"}
			db.expenses["b"] = &model.Expense{ID: "b", UserID: "bob@example.com"}
		})

		It("returns the caller's expenses as JSON", func() {
			resp := do(http.MethodGet, "/api/expenses", nil, http.Header{"X-User-Email": {"ann@example.com"}})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var expenses []*model.Expense
			Expect(json.NewDecoder(resp.Body).Decode(&expenses)).To(Succeed())
			Expect(expenses).To(HaveLen(1))
			Expect(expenses[0].ID).To(Equal("a"))
		})

		It("returns an empty array for a user with no expenses", func() {
			resp := do(http.MethodGet, "/api/expenses", nil, nil)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("[]\n"))
		})
	})

	Describe("GET /api/expenses/{id}", func() {
		BeforeEach(func() {
			db.expenses["a"] = &model.Expense{ID: "a", UserID: "anonymous"}
		})

		It("returns the expense", func() {
			resp := do(http.MethodGet, "/api/expenses/a", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("returns 404 for another user's expense", func() {
			resp := do(http.MethodGet, "/api/expenses/a", nil, http.Header{"X-User-Email": {"bob@example.com"}})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for an unknown id", func() {
			resp := do(http.MethodGet, "/api/expenses/zzz", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/expenses/{id}/file", func() {
		BeforeEach(func() {
			db.expenses["a"] = &model.Expense{ID: "a", UserID: "anonymous", Filename: "a_receipt.pdf", ContentType: "application/pdf"}
			storage.files["a_receipt.pdf"] = []byte("%PDF")
		})

		It("serves the file with its content type", func() {
			resp := do(http.MethodGet, "/api/expenses/a/file", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("%PDF"))
		})
	})

	Describe("DELETE /api/expenses/{id}", func() {
		BeforeEach(func() {
			db.expenses["a"] = &model.Expense{ID: "a", UserID: "anonymous"}
		})

		It("returns 204 and removes the expense", func() {
			resp := do(http.MethodDelete, "/api/expenses/a", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.expenses).NotTo(HaveKey("a"))
		})
	})

	Describe("GET /api/merchants/{merchant}/stats", func() {
		BeforeEach(func() {
			db.stats = model.MerchantStats{Frequency: 4, AverageSpend: decimal.RequireFromString("12.5")}
		})

		It("returns the stats", func() {
			resp := do(http.MethodGet, "/api/merchants/"+url.PathEscape("Trader Joe's")+"/stats", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var stats model.MerchantStats
			Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
			Expect(stats.Frequency).To(Equal(4))
		})

		When("the store fails", func() {
			BeforeEach(func() {
				db.statsErr = errors.New("timeout")
			})

			It("returns 500", func() {
				resp := do(http.MethodGet, "/api/merchants/Shell/stats", nil, nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("GET /api/metrics", func() {
		It("returns the pipeline counters", func() {
			resp := do(http.MethodGet, "/api/metrics", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var snap MetricsSnapshot
			Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
			Expect(snap.ReceiptsProcessed).To(BeZero())
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/expenses", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp := do(http.MethodGet, "/api/expenses", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts valid credentials and uses the user as identity", func() {
			db.expenses["a"] = &model.Expense{ID: "a", UserID: "admin"}

			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var expenses []*model.Expense
			Expect(json.NewDecoder(resp.Body).Decode(&expenses)).To(Succeed())
			Expect(expenses).To(HaveLen(1))
		})

		When("an authenticated user names another user in X-User-Email", func() {
			withIdentity := func(method, path string) *http.Response {
				req, err := http.NewRequest(method, ghttpServer.URL()+path, nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("admin", "secret")
				req.Header.Set("X-User-Email", "victim@example.com")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				return resp
			}

			BeforeEach(func() {
				db.expenses["victim-1"] = &model.Expense{ID: "victim-1", UserID: "victim@example.com", Filename: "victim-1_receipt.pdf"}
				storage.files["victim-1_receipt.pdf"] = []byte("%PDF")
			})

			It("does not return the other user's expense", func() {
				resp := withIdentity(http.MethodGet, "/api/expenses/victim-1")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("does not serve the other user's file", func() {
				resp := withIdentity(http.MethodGet, "/api/expenses/victim-1/file")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("does not delete the other user's expense", func() {
				resp := withIdentity(http.MethodDelete, "/api/expenses/victim-1")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(db.expenses).To(HaveKey("victim-1"))
				Expect(storage.files).To(HaveKey("victim-1_receipt.pdf"))
			})

			It("lists only the authenticated user's expenses", func() {
				resp := withIdentity(http.MethodGet, "/api/expenses")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var expenses []*model.Expense
				Expect(json.NewDecoder(resp.Body).Decode(&expenses)).To(Succeed())
				Expect(expenses).To(BeEmpty())
			})
		})

		It("rejects a wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "nope")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})
})
