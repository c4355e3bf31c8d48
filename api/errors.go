package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fileconverter/worker"
)

const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeRejected        = "UPLOAD_REJECTED"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInternalError   = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes {"error":{"code":...,"message":...}}.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Code: code, Message: message},
	})
}

// writeServiceError maps a pool error onto its HTTP status. Storage errors
// carry local paths, so their message is not echoed back.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
	case errors.Is(err, worker.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "resource not found")
	case errors.Is(err, worker.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, CodeRejected, err.Error())
	case errors.Is(err, worker.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, CodeQueueFull, err.Error())
	case errors.Is(err, worker.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
