// Package card manages physical NTAG cards linked to user wallets.
// A card row stores sealed pairing material and a sealed PIN record; the
// physical tag UID is stored hashed, never raw.
package card

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrCardNotFound is returned when a card does not exist or belongs
	// to another user. Ownership failures are indistinguishable from
	// missing cards on purpose.
	ErrCardNotFound = errors.New("card not found")

	// ErrDuplicateLabel is returned when a user already has a card with
	// the requested label.
	ErrDuplicateLabel = errors.New("card label already in use")

	// ErrNoPIN is returned when verifying a PIN on a card that has none set.
	ErrNoPIN = errors.New("card has no pin set")

	// ErrInvalidLabel is returned for an empty or oversized label.
	ErrInvalidLabel = errors.New("card label must be 1-64 characters")
)

// DefaultLabel names the card created when the caller does not supply one.
// Combined with the (user_hash, label) uniqueness constraint this makes
// label-less provisioning idempotent per user.
const DefaultLabel = "primary"

// Card is a physical card registration.
type Card struct {
	ID           string
	UserHash     string
	FederationID string
	Label        string
	UpstreamID   string // upstream card registration id
	SealedAuth   string // vault blob of the card pairing link
	SealedPIN    string // sealed argon2 record; empty until a PIN is set
	HashedUID    string // sha256 of the physical tag UID; empty until bound
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HashUID hashes a physical tag UID under the owner's salt for storage
// and lookup. NTAG UIDs come from a tiny keyspace, so the digest must be
// keyed per user or it is trivially reversible.
func HashUID(ownerSalt []byte, uid string) string {
	h := sha256.New()
	h.Write(ownerSalt)
	h.Write([]byte(uid))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateLabel checks label constraints.
func ValidateLabel(label string) error {
	if label == "" || len(label) > 64 {
		return ErrInvalidLabel
	}
	return nil
}
