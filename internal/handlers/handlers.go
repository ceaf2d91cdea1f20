package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/Brownie44l1/medscan-api/internal/classifier"
)

// formField is the multipart field carrying the upload.
const formField = "file"

// Predictor is the per-task prediction pipeline. *classifier.Classifier satisfies it.
type Predictor interface {
	Task() classifier.Task
	Ready() bool
	Predict(ctx context.Context, up classifier.Upload) (*classifier.Result, error)
}

// Handler serves one task's endpoints.
type Handler struct {
	predictor Predictor
	maxUpload int64
}

func NewHandler(predictor Predictor, maxUpload int64) *Handler {
	return &Handler{
		predictor: predictor,
		maxUpload: maxUpload,
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Health handles GET <prefix>/.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Message:     h.predictor.Task().Title + " API is running",
		ModelLoaded: h.predictor.Ready(),
	})
}

// Predict handles POST <prefix>/predict with a multipart image upload.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	if r.ContentLength > h.maxUpload {
		writeError(w, errorInfo{HttpStatus: http.StatusRequestEntityTooLarge, Detail: "File too large"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, errorInfo{HttpStatus: http.StatusRequestEntityTooLarge, Detail: "File too large"})
			return
		}
		writeError(w, errorInfo{HttpStatus: http.StatusBadRequest, Detail: "Failed to parse form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(formField)
	if err != nil {
		writeError(w, errorInfo{HttpStatus: http.StatusBadRequest, Detail: "No file provided. Use 'file' as the form field name"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Error(err, "failed to read upload", "filename", header.Filename)
		writeError(w, errorInfo{HttpStatus: http.StatusBadRequest, Detail: "Failed to read file"})
		return
	}

	result, err := h.predictor.Predict(r.Context(), classifier.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
