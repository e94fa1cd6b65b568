// Package middleware provides HTTP middleware components for the gateway.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// userHashKey is the context key for the caller's opaque user hash.
type userHashKey struct{}

// userRoleKey is the context key for the caller's role.
type userRoleKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// clientIPKey is the context key for the caller's source address.
type clientIPKey struct{}

// SetUserHash stores the caller's opaque user hash in the context.
// Called by authentication after validating the session token.
func SetUserHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, userHashKey{}, hash)
}

// GetUserHash retrieves the user hash from context. Returns empty string if not present.
func GetUserHash(ctx context.Context) string {
	if hash, ok := ctx.Value(userHashKey{}).(string); ok {
		return hash
	}
	return ""
}

// SetUserRole stores the caller's role in the context.
func SetUserRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, userRoleKey{}, role)
}

// GetUserRole retrieves the caller's role from context. Returns empty string if not present.
func GetUserRole(ctx context.Context) string {
	if role, ok := ctx.Value(userRoleKey{}).(string); ok {
		return role
	}
	return ""
}

// SetClientIP stores the caller's source address in the context so audit
// records written deep in the call stack can carry it.
func SetClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// GetClientIP retrieves the caller's source address from context. Returns
// empty string if not present.
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// Called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

// UpdateContext lets handlers hand a derived context (carrying an error
// code) back to the logging middleware after the request context forked.
func (rw *responseWriter) UpdateContext(ctx context.Context) {
	rw.ctx = ctx
}

// UpdateResponseContext propagates a handler-derived context to the
// logging middleware, if the response writer supports it.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	if u, ok := w.(interface{ UpdateContext(context.Context) }); ok {
		u.UpdateContext(ctx)
	}
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code; subsequent calls are ignored
// to match http.ResponseWriter behavior where only the first status is sent.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// newResponseWriter creates a new responseWriter with default 200 status.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields.
// It captures: method, path, status, latency (ms), request ID, user hash
// and role (if authenticated), response size, and error_code for error
// responses. Secret values never reach a log line; only identifiers do.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			latency := time.Since(start).Milliseconds()

			logCtx := r.Context()
			if rw.ctx != nil {
				logCtx = rw.ctx
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", latency),
				slog.Int("size", rw.size),
			}

			if requestID := GetRequestID(logCtx); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if userHash := GetUserHash(logCtx); userHash != "" {
				attrs = append(attrs, slog.String("user_hash", userHash))
			}
			if role := GetUserRole(logCtx); role != "" {
				attrs = append(attrs, slog.String("role", role))
			}
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(logCtx); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			if rw.statusCode >= 500 {
				logger.LogAttrs(logCtx, slog.LevelError, "request completed", attrs...)
			} else if rw.statusCode >= 400 {
				logger.LogAttrs(logCtx, slog.LevelWarn, "request completed", attrs...)
			} else {
				logger.LogAttrs(logCtx, slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
