package nwc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
)

const componentName = "nwc"

const (
	secretLen = 32
	saltLen   = 16
)

// Service manages connection grant lifecycle. Grants are registered with
// the upstream wallet API at creation and invalidated there on revocation,
// so a grant the gateway no longer honors is dead upstream too.
type Service struct {
	grants   Repository
	keyring  *vault.Keyring
	audits   audit.Repository
	client   lnbits.Client
	relayURL string
}

// NewService creates a grant service. relayURL names the relay clients
// should connect through; it is embedded in pairing URIs.
func NewService(grants Repository, keyring *vault.Keyring, audits audit.Repository, client lnbits.Client, relayURL string) *Service {
	return &Service{grants: grants, keyring: keyring, audits: audits, client: client, relayURL: relayURL}
}

// CreateResult is returned from grant creation. Secret and PairingURI are
// plaintext and appear exactly once, in this response; afterwards only the
// masked preview is available.
type CreateResult struct {
	Grant      *Grant
	Secret     string
	PairingURI string
}

// Create issues a new grant with the requested capabilities. The grant is
// registered with the upstream wallet API before the local row is written;
// if the local write fails the upstream registration is rolled back best
// effort.
func (s *Service) Create(ctx context.Context, userHash, federationID, walletID, label string, capabilities []string) (*CreateResult, error) {
	if err := ValidateCapabilities(capabilities); err != nil {
		return nil, err
	}

	secretBytes := make([]byte, secretLen)
	if _, err := io.ReadFull(rand.Reader, secretBytes); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(secretBytes)

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	// Per-grant derived key: the process key alone cannot open a grant
	// secret without the row's salt and the owner's hash.
	derived, err := s.keyring.DeriveKey(userHash, salt)
	if err != nil {
		return nil, err
	}
	sealed, err := vault.SealWithKey(derived, []byte(secret))
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := s.client.RegisterConnection(ctx, id, walletID, capabilities); err != nil {
		return nil, err
	}

	g := &Grant{
		ID:           id,
		UserHash:     userHash,
		FederationID: federationID,
		WalletID:     walletID,
		Label:        label,
		Capabilities: append([]string(nil), capabilities...),
		Salt:         salt,
		SealedSecret: sealed,
		Preview:      maskIdentifier(id, s.relayURL),
	}
	if err := s.grants.Insert(ctx, g); err != nil {
		s.revokeUpstream(ctx, id)
		return nil, err
	}

	return &CreateResult{
		Grant:      g,
		Secret:     secret,
		PairingURI: s.pairingURI(g.ID, secret),
	}, nil
}

// revokeUpstream invalidates a registration best effort. A registration
// that outlives its grant cannot be used: the gateway refuses unknown or
// revoked grants regardless.
func (s *Service) revokeUpstream(ctx context.Context, id string) {
	if err := s.client.RevokeConnection(ctx, id); err != nil && !errors.Is(err, lnbits.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to revoke upstream connection", "grant_id", id, "error", err)
	}
}

// pairingURI builds the wallet-connect URI a client app consumes.
func (s *Service) pairingURI(grantID, secret string) string {
	v := url.Values{}
	if s.relayURL != "" {
		v.Set("relay", s.relayURL)
	}
	v.Set("secret", secret)
	return fmt.Sprintf("nostr+walletconnect://%s?%s", grantID, v.Encode())
}

// List returns the caller's active grants. Sealed secrets are stripped;
// only the masked identifier preview leaves this package.
func (s *Service) List(ctx context.Context, userHash string) ([]*Grant, error) {
	grants, err := s.grants.ListActive(ctx, userHash)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		g.SealedSecret = ""
		g.Salt = nil
	}
	return grants, nil
}

// Revoke soft-deletes a grant locally and invalidates its upstream
// registration. Idempotent: revoking an already revoked grant succeeds.
// The local revocation is authoritative; an upstream failure is logged,
// not surfaced, because the gateway stops honoring the grant either way.
func (s *Service) Revoke(ctx context.Context, userHash, id string) error {
	if err := s.grants.Revoke(ctx, userHash, id); err != nil {
		return err
	}
	s.revokeUpstream(ctx, id)
	return nil
}

// RotateSecret retires a grant and issues its replacement. Rotation is
// revoke-then-create: the old pairing stops resolving upstream and
// locally, and the replacement carries a fresh id, salt, and secret,
// returned exactly once.
func (s *Service) RotateSecret(ctx context.Context, userHash, id string) (*CreateResult, error) {
	g, err := s.grants.GetByID(ctx, userHash, id)
	if err != nil {
		return nil, err
	}
	if g.Revoked() {
		return nil, ErrGrantRevoked
	}

	if err := s.Revoke(ctx, userHash, id); err != nil {
		s.appendRotationRecord(ctx, g, audit.OutcomeFailure, err.Error())
		return nil, err
	}
	result, err := s.Create(ctx, userHash, g.FederationID, g.WalletID, g.Label, g.Capabilities)
	if err != nil {
		s.appendRotationRecord(ctx, g, audit.OutcomeFailure, err.Error())
		return nil, err
	}
	s.appendRotationRecord(ctx, g, audit.OutcomeSuccess, "")
	return result, nil
}

// VerifySecret checks a presented secret against a grant. Used by the
// relay-facing path to authenticate client requests. Revoked grants never
// verify.
func (s *Service) VerifySecret(ctx context.Context, userHash, id, presented string) error {
	g, err := s.grants.GetByID(ctx, userHash, id)
	if err != nil {
		return err
	}
	if g.Revoked() {
		return ErrGrantRevoked
	}

	derived, err := s.keyring.DeriveKey(userHash, g.Salt)
	if err != nil {
		return err
	}
	stored, err := vault.OpenWithKey(derived, g.SealedSecret)
	if err != nil {
		return err
	}
	// Hex strings of fixed length; compare without early exit.
	if subtle.ConstantTimeCompare(stored, []byte(presented)) == 1 {
		return nil
	}
	return ErrGrantNotFound
}

func (s *Service) appendRotationRecord(ctx context.Context, g *Grant, outcome, errMsg string) {
	_, err := s.audits.Append(audit.Entry{
		RequestID:    middleware.GetRequestID(ctx),
		SourceIP:     middleware.GetClientIP(ctx),
		UserHash:     g.UserHash,
		FederationID: g.FederationID,
		ResourceID:   g.ID,
		Component:    componentName,
		Operation:    audit.OpGrantRotation,
		Outcome:      outcome,
		Error:        errMsg,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to append grant rotation record", "grant_id", g.ID, "error", err)
	}
}
