package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/expense-tracker/internal/model"
)

// maxUploadSize covers high resolution phone photos
const maxUploadSize = int64(50 << 20)

// uploadResponse is returned from POST /api/receipts
type uploadResponse struct {
	Expense *model.Expense `json:"expense"`
	Saved   bool           `json:"saved"`
	Warning string         `json:"warning,omitempty"`
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleListExpenses returns the caller's expenses
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses(s.userID(r))
	if err != nil {
		slog.Error("Error listing expenses", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if expenses == nil {
		expenses = []*model.Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleUploadReceipt runs an uploaded receipt through the pipeline
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		msg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			msg = "No file was selected. Please choose a file to upload."
		}
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromExt(header.Filename)
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	expense, err := s.service.ProcessReceipt(r.Context(), s.userID(r), header.Filename, data, contentType)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, uploadResponse{Expense: expense, Saved: true})
	case errors.Is(err, ErrPersistence) && expense != nil:
		writeJSON(w, http.StatusAccepted, uploadResponse{
			Expense: expense,
			Saved:   false,
			Warning: "The receipt was categorized but could not be saved. Please upload it again later.",
		})
	case errors.Is(err, ErrExtraction):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrCategorization):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func contentTypeFromExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleGetExpense returns a single expense
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := s.service.GetExpense(s.userID(r), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "Expense not found", err)
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

// handleGetExpenseFile returns the original upload
func (s *Server) handleGetExpenseFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetExpenseFile(s.userID(r), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "File not found", err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteExpense deletes an expense
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExpense(s.userID(r), r.PathValue("id")); err != nil {
		s.lookupError(w, "Expense not found", err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleMerchantStats returns the caller's history at a merchant
func (s *Server) handleMerchantStats(w http.ResponseWriter, r *http.Request) {
	merchant := strings.TrimSpace(r.PathValue("merchant"))
	if merchant == "" {
		corsError(w, "Merchant required", http.StatusBadRequest)
		return
	}
	stats, err := s.service.MerchantStats(s.userID(r), merchant)
	if err != nil {
		slog.Error("Error reading merchant stats", "merchant", merchant, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleMetrics returns pipeline counters
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Metrics())
}

func (s *Server) lookupError(w http.ResponseWriter, notFound string, err error) {
	if isNotFound(err) {
		corsError(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("Error reading expense", "error", err)
	corsError(w, "Internal server error", http.StatusInternalServerError)
}
