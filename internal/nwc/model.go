// Package nwc manages wallet-connect connection grants. A grant pairs an
// external client with a user's wallet under an allow-listed capability
// set. The connection secret is sealed under a per-grant derived key and
// revealed exactly once, at creation.
package nwc

import (
	"errors"
	"net/url"
	"time"
)

// Capabilities a grant may carry. Anything outside this set is rejected
// at creation; there is no way to widen a grant after the fact.
const (
	CapPayInvoice    = "pay_invoice"
	CapMakeInvoice   = "make_invoice"
	CapLookupInvoice = "lookup_invoice"
	CapGetBalance    = "get_balance"
	CapGetInfo       = "get_info"
)

// ValidCapabilities defines the closed capability set.
var ValidCapabilities = map[string]bool{
	CapPayInvoice:    true,
	CapMakeInvoice:   true,
	CapLookupInvoice: true,
	CapGetBalance:    true,
	CapGetInfo:       true,
}

var (
	// ErrGrantNotFound is returned when a grant does not exist, belongs to
	// another user, or has been revoked.
	ErrGrantNotFound = errors.New("connection grant not found")

	// ErrInvalidCapability is returned for a capability outside the allowed set.
	ErrInvalidCapability = errors.New("capability is not recognized")

	// ErrNoCapabilities is returned when a grant is requested with an
	// empty capability list.
	ErrNoCapabilities = errors.New("grant requires at least one capability")

	// ErrGrantRevoked is returned when operating on a revoked grant.
	ErrGrantRevoked = errors.New("connection grant is revoked")
)

// Grant is a wallet-connect pairing. SealedSecret is encrypted under a key
// derived from the owner's hash and the per-grant salt, so a leaked
// process key alone cannot open it without the row's salt and owner.
type Grant struct {
	ID           string
	UserHash     string
	FederationID string
	WalletID     string // upstream wallet the grant is registered against
	Label        string
	Capabilities []string
	Salt         []byte
	SealedSecret string
	Preview      string // masked public identifier shown in listings
	RevokedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Revoked reports whether the grant has been revoked.
func (g *Grant) Revoked() bool {
	return g.RevokedAt != nil
}

// ValidateCapabilities checks a requested capability list against the
// closed set.
func ValidateCapabilities(caps []string) error {
	if len(caps) == 0 {
		return ErrNoCapabilities
	}
	for _, c := range caps {
		if !ValidCapabilities[c] {
			return ErrInvalidCapability
		}
	}
	return nil
}

// maskIdentifier renders the listing preview from the grant's public
// identifier and the relay host. The connection secret never feeds the
// preview, so a leaked listing exposes nothing verifiable.
func maskIdentifier(id, relayURL string) string {
	masked := id
	if len(id) > 12 {
		masked = id[:8] + "..." + id[len(id)-4:]
	}
	if host := relayHost(relayURL); host != "" {
		masked += "@" + host
	}
	return masked
}

func relayHost(relayURL string) string {
	u, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	return u.Host
}
