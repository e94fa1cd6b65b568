// Package pin implements PIN hashing and verification for physical cards.
// PINs are hashed with argon2id so a database leak does not yield usable
// PINs, and the hash record itself is sealed before persistence.
package pin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/argon2"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
)

// argon2id parameters. Deliberately slow: a PIN has only a million
// possible values, so the KDF cost is the entire defense against offline
// guessing of a leaked record.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 64
	saltLen      = 16
)

var (
	// ErrInvalidPIN is returned when the PIN is not exactly six digits.
	ErrInvalidPIN = errors.New("pin: must be exactly six digits")

	// ErrMismatch is returned when verification fails. Callers must not
	// distinguish this from a malformed stored record in API responses.
	ErrMismatch = errors.New("pin: verification failed")

	// ErrRateLimited is returned when the per-card attempt budget is spent.
	ErrRateLimited = errors.New("pin: too many attempts")
)

var pinPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidatePIN checks the six-digit format. Leading zeros are significant;
// PINs are strings end to end and never parsed as integers.
func ValidatePIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPIN
	}
	return nil
}

// Authenticator hashes and verifies card PINs with per-card rate limits.
type Authenticator struct {
	keyring     *vault.Keyring
	limits      middleware.RateLimitStore
	setLimit    middleware.RateLimitConfig
	verifyLimit middleware.RateLimitConfig
}

// NewAuthenticator creates an Authenticator using the default set/verify
// attempt budgets.
func NewAuthenticator(keyring *vault.Keyring, limits middleware.RateLimitStore) *Authenticator {
	return &Authenticator{
		keyring:     keyring,
		limits:      limits,
		setLimit:    middleware.DefaultPinSetLimit(),
		verifyLimit: middleware.DefaultPinVerifyLimit(),
	}
}

// HashPIN validates and hashes a PIN, returning the sealed record to
// persist. Rate limited per card: repeated PIN changes are an abuse
// signal, not a normal flow.
func (a *Authenticator) HashPIN(ctx context.Context, cardID, pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}

	allowed, _, err := a.limits.Allow(ctx, "pin-set:"+cardID, a.setLimit)
	if err != nil {
		// PIN changes are rare and admin-driven; fail closed.
		return "", fmt.Errorf("pin: rate limit check failed: %w", err)
	}
	if !allowed {
		return "", ErrRateLimited
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	record := make([]byte, 0, saltLen+argonKeyLen)
	record = append(record, salt...)
	record = append(record, hash...)
	return a.keyring.Seal(record)
}

// VerifyPIN checks a candidate PIN against a sealed record. The comparison
// is constant time over the full hash length regardless of where a
// mismatch occurs.
func (a *Authenticator) VerifyPIN(ctx context.Context, cardID, pin, sealedRecord string) error {
	if err := ValidatePIN(pin); err != nil {
		return err
	}

	allowed, _, err := a.limits.Allow(ctx, "pin-verify:"+cardID, a.verifyLimit)
	if err != nil {
		// A storage outage must not open a brute-force window.
		return fmt.Errorf("pin: rate limit check failed: %w", err)
	}
	if !allowed {
		return ErrRateLimited
	}

	record, err := a.keyring.Open(sealedRecord)
	if err != nil {
		return err
	}
	if len(record) != saltLen+argonKeyLen {
		return ErrMismatch
	}

	salt, stored := record[:saltLen], record[saltLen:]
	candidate := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	if subtle.ConstantTimeCompare(candidate, stored) != 1 {
		return ErrMismatch
	}
	return nil
}
