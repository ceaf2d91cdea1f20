package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Brownie44l1/medscan-api/internal/classifier"
)

// errorInfo is the single error shape returned by every endpoint.
type errorInfo struct {
	HttpStatus int    `json:"-"`
	Detail     string `json:"detail"`
}

// errorFor maps pipeline errors to responses: rejected uploads are 400 with a
// fixed message, everything else is 500 carrying the error text.
func errorFor(err error) errorInfo {
	var input *classifier.InputError
	if errors.As(err, &input) {
		return errorInfo{HttpStatus: http.StatusBadRequest, Detail: input.Message}
	}
	return errorInfo{HttpStatus: http.StatusInternalServerError, Detail: "Prediction failed: " + err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, info errorInfo) {
	writeJSON(w, info.HttpStatus, info)
}
