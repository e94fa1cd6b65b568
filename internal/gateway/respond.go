package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
)

// Error codes returned in envelopes.
const (
	ErrCodeValidation     = "validation_error"
	ErrCodeAuthFailed     = "auth_failed"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal_error"
	ErrCodeUpstream       = "upstream_error"
	ErrCodeStillPreparing = "still_preparing"
	ErrCodeApprovalNeeded = "approval_required"
	ErrCodeDailyLimit     = "daily_limit_exceeded"
	ErrCodeCardsDisabled  = "cards_disabled"
)

// Envelope is the uniform response shape. Success responses carry data,
// failures carry error; meta.timestamp is always present.
type Envelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries response metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, ctx context.Context, status int, data any) {
	writeEnvelope(w, ctx, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now().UTC()},
	})
}

// WriteError writes a failure envelope and records the error code for the
// logging middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	writeEnvelope(w, ctx, status, Envelope{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
		Meta:    Meta{Timestamp: time.Now().UTC()},
	})
}

func writeEnvelope(w http.ResponseWriter, ctx context.Context, status int, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response envelope", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}
