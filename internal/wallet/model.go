// Package wallet manages per-user upstream wallet credentials. Both API
// keys are stored sealed; decryption goes through the audited checkout in
// service.go and nowhere else.
package wallet

import "time"

// Credential links a user to their upstream wallet. SealedAdminKey and
// SealedInvoiceKey are vault blobs; the plaintext keys exist only inside
// an audited checkout window.
type Credential struct {
	UserHash         string
	FederationID     string
	WalletID         string
	SealedAdminKey   string
	SealedInvoiceKey string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
