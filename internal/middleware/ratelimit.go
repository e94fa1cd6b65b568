// Package middleware provides HTTP middleware components for the gateway.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limiting configuration.
// Valid values:
//   - RequestsPerWindow: must be > 0
//   - WindowDuration: must be > 0
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	// Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	// Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
// Returns an error if RequestsPerWindow <= 0 or WindowDuration <= 0.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// Default limits per gateway scope. PIN operations get their own limits
// because PIN attack surfaces differ from general API abuse.
var (
	defaultPublicLimit    = RateLimitConfig{RequestsPerWindow: 60, WindowDuration: time.Minute}
	defaultWalletLimit    = RateLimitConfig{RequestsPerWindow: 120, WindowDuration: time.Minute}
	defaultAdminLimit     = RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute}
	defaultPinSetLimit    = RateLimitConfig{RequestsPerWindow: 6, WindowDuration: time.Minute}
	defaultPinVerifyLimit = RateLimitConfig{RequestsPerWindow: 8, WindowDuration: time.Minute}
)

// DefaultPublicLimit returns a copy of the default public scope rate limit config.
func DefaultPublicLimit() RateLimitConfig { return defaultPublicLimit }

// DefaultWalletLimit returns a copy of the default wallet scope rate limit config.
func DefaultWalletLimit() RateLimitConfig { return defaultWalletLimit }

// DefaultAdminLimit returns a copy of the default admin scope rate limit config.
func DefaultAdminLimit() RateLimitConfig { return defaultAdminLimit }

// DefaultPinSetLimit returns a copy of the per-card PIN set rate limit config.
func DefaultPinSetLimit() RateLimitConfig { return defaultPinSetLimit }

// DefaultPinVerifyLimit returns a copy of the per-card PIN verify rate limit config.
func DefaultPinVerifyLimit() RateLimitConfig { return defaultPinVerifyLimit }

// RateLimitStore defines the interface for rate limit state storage.
// This allows for different backends (in-memory, Redis, etc.).
type RateLimitStore interface {
	// Allow checks if a request from the given key should be allowed.
	// Returns whether the request is allowed and the number of seconds
	// until the limit resets. A non-nil error means the backing store
	// could not be consulted; the caller decides fail-open or
	// fail-closed per scope.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int, err error)
}

// bucket represents a rate limit bucket for a single key.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore using an in-memory map.
// It uses a simple fixed window counter algorithm.
// Thread-safe for concurrent access.
type InMemoryRateLimitStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
	}
}

// Allow checks if a request from the given key should be allowed.
// Implements the RateLimitStore interface. The in-memory store never errors.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		// New window or expired window
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, 0, nil
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0, nil
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// Cleanup removes expired buckets to prevent memory leaks.
// This should be called periodically in production.
// Recommended cleanup interval is 2-5x the longest configured WindowDuration
// to balance memory usage and overhead.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		return ClientIP(r)
	}
}

// UserKeyFunc returns a KeyFunc that uses the authenticated caller's user
// hash if available, falling back to IP address.
func UserKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if hash := GetUserHash(r.Context()); hash != "" {
			return "user:" + hash
		}
		return "ip:" + ClientIP(r)
	}
}

// ClientIP extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order,
// stripping any port.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Use the first IP in the chain, trimming whitespace per RFC 7239
		var firstIP string
		if idx := strings.Index(xff, ","); idx != -1 {
			firstIP = strings.TrimSpace(xff[:idx])
		} else {
			firstIP = strings.TrimSpace(xff)
		}
		if firstIP != "" {
			host, _, err := net.SplitHostPort(firstIP)
			if err != nil {
				// IP might not have a port
				return firstIP
			}
			return host
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		xri = strings.TrimSpace(xri)
		host, _, err := net.SplitHostPort(xri)
		if err != nil {
			return xri
		}
		return host
	}

	// Fall back to RemoteAddr (strip port properly for both IPv4 and IPv6)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

// RateLimiter is a middleware that limits request rates.
// It returns HTTP 429 Too Many Requests when the limit is exceeded.
// Store errors fail open here; scope-aware fail-closed handling for admin
// actions lives in the gateway dispatcher.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, retryAfter, err := store.Allow(r.Context(), key, config)
			if err != nil {
				// Fail open for availability; the store error is counted
				// by the metrics wrapper.
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				ctx := SetErrorCode(r.Context(), "rate_limit_exceeded")
				r = r.WithContext(ctx)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				// X-RateLimit-Reset should be a Unix timestamp per API conventions
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
