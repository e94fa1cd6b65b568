// Package provision implements idempotent one-per-owner resource creation
// using a claim-row protocol. Concurrent requests race to insert a claim;
// exactly one wins and performs the external side effect, the rest poll
// briefly and either see the finished result or report that provisioning
// is still in progress.
package provision

import (
	"errors"
	"time"
)

// Claim statuses.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
)

var (
	// ErrClaimExists is returned by TryClaim when another request holds the claim.
	ErrClaimExists = errors.New("provision: claim already exists")

	// ErrClaimNotFound is returned when no claim exists for a key.
	ErrClaimNotFound = errors.New("provision: claim not found")

	// ErrStillPreparing is returned to losers whose polling window expired
	// while the winner was still working. Callers surface this as a
	// retryable condition, never as a failure.
	ErrStillPreparing = errors.New("provision: resource is still being prepared")
)

// Claim is a row in the claim table. A pending claim is a placeholder
// holding the uniqueness slot; a ready claim carries the final result.
type Claim struct {
	Key       string
	Status    string
	Result    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
