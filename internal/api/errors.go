package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sandboxlab/detonate/internal/engine"
	"github.com/sandboxlab/detonate/internal/guest"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
)

// Error codes returned in API responses
const (
	ErrCodeJobNotFound       = "JOB_NOT_FOUND"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrCodeVMNotReady        = "VM_NOT_READY"
	ErrCodeVMStartFailed     = "VM_START_FAILED"
	ErrCodeTransferError     = "TRANSFER_ERROR"
	ErrCodeNoReport          = "NO_REPORT"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrNoReport):
		code := ErrCodeJobNotFound
		if errors.Is(err, engine.ErrNoReport) {
			code = ErrCodeNoReport
		}
		apiErr = APIError{Code: code, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, engine.ErrQueueFull):
		apiErr = APIError{Code: ErrCodeQueueFull, Message: err.Error()}
		statusCode = http.StatusTooManyRequests

	case errors.Is(err, engine.ErrUnavailable):
		apiErr = APIError{Code: ErrCodeEngineUnavailable, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, vm.ErrStartFailed):
		apiErr = APIError{Code: ErrCodeVMStartFailed, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, vm.ErrNotReady), errors.Is(err, vm.ErrRevertFailed):
		apiErr = APIError{Code: ErrCodeVMNotReady, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, guest.ErrTransfer):
		apiErr = APIError{Code: ErrCodeTransferError, Message: err.Error()}
		statusCode = http.StatusBadGateway

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writePayloadTooLarge writes a 413 for uploads over the configured cap
func writePayloadTooLarge(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodePayloadTooLarge,
		Message: message,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
