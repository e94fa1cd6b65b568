// Package audit provides append-only audit records for every sensitive
// operation in the gateway: credential decrypts, provisioning, grant
// rotation, and memory-safety violations. Records carry identifiers and
// outcome metadata only; secret values never appear in an audit record.
package audit

import (
	"time"
)

// Operation kinds recorded in the audit log.
const (
	OpDecryptInvoiceKey = "decrypt_invoice_key"
	OpDecryptAdminKey   = "decrypt_admin_key"
	OpProvision         = "provision"
	OpKeyRotation       = "key_rotation"
	OpGrantRotation     = "grant_rotation"
	OpMemoryViolation   = "memory_violation"
)

// Outcome values for audit records.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeViolation = "violation"
)

// ValidOperations defines the allowed operation kinds.
var ValidOperations = map[string]bool{
	OpDecryptInvoiceKey: true,
	OpDecryptAdminKey:   true,
	OpProvision:         true,
	OpKeyRotation:       true,
	OpGrantRotation:     true,
	OpMemoryViolation:   true,
}

// Record is a single append-only audit event. Records are write-once:
// the application never updates or deletes them.
type Record struct {
	ID           string
	RequestID    string
	UserHash     string
	FederationID string
	ResourceID   string
	Component    string
	Operation    string
	Outcome      string
	Error        string
	SourceIP     string
	CreatedAt    time.Time
}

// Entry is the input for appending an audit record.
type Entry struct {
	RequestID    string
	UserHash     string
	FederationID string
	ResourceID   string
	Component    string
	Operation    string
	Outcome      string
	Error        string
	SourceIP     string
}
