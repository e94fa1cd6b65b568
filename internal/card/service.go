package card

import (
	"context"
	"errors"
	"log/slog"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/pin"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/wallet"
)

const componentName = "card"

// Service coordinates card provisioning, PIN management, and tag binding.
type Service struct {
	cards       Repository
	wallets     *wallet.Service
	client      lnbits.Client
	keyring     *vault.Keyring
	provisioner *provision.Provisioner
	pins        *pin.Authenticator
	audits      audit.Repository
}

// NewService creates a card service.
func NewService(cards Repository, wallets *wallet.Service, client lnbits.Client, keyring *vault.Keyring, provisioner *provision.Provisioner, pins *pin.Authenticator, audits audit.Repository) *Service {
	return &Service{
		cards:       cards,
		wallets:     wallets,
		client:      client,
		keyring:     keyring,
		provisioner: provisioner,
		pins:        pins,
		audits:      audits,
	}
}

// ProvisionResult is returned from a successful provisioning. AuthLink is
// the plaintext one-time pairing link; it is only populated on the request
// that created the card and never again.
type ProvisionResult struct {
	Card     *Card
	AuthLink string
}

// ProvisionCard creates at most one card per (user, label). Concurrent
// requests for the same slot resolve through the claim-row protocol:
// exactly one upstream registration happens, losers either see the
// finished card or get ErrStillPreparing.
func (s *Service) ProvisionCard(ctx context.Context, userHash, federationID, label string) (*ProvisionResult, error) {
	if label == "" {
		label = DefaultLabel
	}
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	var created bool
	claimKey := "card:" + userHash + ":" + label

	cardID, err := s.provisioner.Provision(ctx, claimKey, func(ctx context.Context) (string, error) {
		created = true
		id, cerr := s.createUpstream(ctx, userHash, federationID, label)
		s.appendProvisionRecord(ctx, userHash, federationID, id, cerr)
		return id, cerr
	}, nil)
	if err != nil {
		return nil, err
	}

	c, err := s.cards.GetByID(ctx, userHash, cardID)
	if err != nil {
		return nil, err
	}

	result := &ProvisionResult{Card: c}
	if created {
		// Reveal the pairing link exactly once, on the winning request.
		link, err := s.keyring.Open(c.SealedAuth)
		if err != nil {
			return nil, err
		}
		result.AuthLink = string(link)
	}
	return result, nil
}

func (s *Service) createUpstream(ctx context.Context, userHash, federationID, label string) (string, error) {
	adminKey, _, release, err := s.wallets.CheckoutAdminKey(ctx, userHash)
	if err != nil {
		return "", err
	}
	upstream, err := s.client.CreateCard(ctx, adminKey, label)
	release()
	if err != nil {
		return "", err
	}

	sealedAuth, err := s.keyring.Seal([]byte(upstream.AuthLink))
	if err != nil {
		s.cleanupUpstream(ctx, userHash, upstream.ID)
		return "", err
	}

	c := &Card{
		UserHash:     userHash,
		FederationID: federationID,
		Label:        label,
		UpstreamID:   upstream.ID,
		SealedAuth:   sealedAuth,
		Enabled:      true,
	}
	if err := s.cards.Insert(ctx, c); err != nil {
		s.cleanupUpstream(ctx, userHash, upstream.ID)
		return "", err
	}
	return c.ID, nil
}

// cleanupUpstream removes an upstream registration whose local row could
// not be written. Best effort: a leaked upstream card is disabled capacity,
// not a correctness problem.
func (s *Service) cleanupUpstream(ctx context.Context, userHash, upstreamID string) {
	adminKey, _, release, err := s.wallets.CheckoutAdminKey(ctx, userHash)
	if err != nil {
		slog.ErrorContext(ctx, "orphaned upstream card", "upstream_id", upstreamID, "error", err)
		return
	}
	defer release()
	if err := s.client.DeleteCard(ctx, adminKey, upstreamID); err != nil {
		slog.ErrorContext(ctx, "orphaned upstream card", "upstream_id", upstreamID, "error", err)
	}
}

func (s *Service) appendProvisionRecord(ctx context.Context, userHash, federationID, resourceID string, opErr error) {
	entry := audit.Entry{
		RequestID:    middleware.GetRequestID(ctx),
		SourceIP:     middleware.GetClientIP(ctx),
		UserHash:     userHash,
		FederationID: federationID,
		ResourceID:   resourceID,
		Component:    componentName,
		Operation:    audit.OpProvision,
		Outcome:      audit.OutcomeSuccess,
	}
	if opErr != nil {
		entry.Outcome = audit.OutcomeFailure
		entry.Error = opErr.Error()
	}
	if _, err := s.audits.Append(entry); err != nil {
		slog.ErrorContext(ctx, "failed to append provision audit record", "error", err)
	}
}

// SetPIN hashes and stores a PIN for the card.
func (s *Service) SetPIN(ctx context.Context, userHash, cardID, rawPIN string) error {
	c, err := s.cards.GetByID(ctx, userHash, cardID)
	if err != nil {
		return err
	}

	sealed, err := s.pins.HashPIN(ctx, c.ID, rawPIN)
	if err != nil {
		return err
	}
	c.SealedPIN = sealed
	return s.cards.Update(ctx, c)
}

// VerifyPIN checks a candidate PIN against the card's stored record.
func (s *Service) VerifyPIN(ctx context.Context, userHash, cardID, rawPIN string) error {
	c, err := s.cards.GetByID(ctx, userHash, cardID)
	if err != nil {
		return err
	}
	if c.SealedPIN == "" {
		return ErrNoPIN
	}
	return s.pins.VerifyPIN(ctx, c.ID, rawPIN, c.SealedPIN)
}

// uidHashSalt labels the HKDF derivation of the per-user UID hashing salt.
var uidHashSalt = []byte("card-uid-hash-v1")

func (s *Service) hashUID(userHash, uid string) (string, error) {
	ownerSalt, err := s.keyring.DeriveKey(userHash, uidHashSalt)
	if err != nil {
		return "", err
	}
	return HashUID(ownerSalt, uid), nil
}

// BindUID records the hash of the physical tag UID once the card has been
// programmed. The hash is salted with a key derived for the owner, so the
// same tag bound by two users produces unrelated digests. Rebinding
// overwrites the previous hash.
func (s *Service) BindUID(ctx context.Context, userHash, cardID, uid string) error {
	c, err := s.cards.GetByID(ctx, userHash, cardID)
	if err != nil {
		return err
	}
	hashed, err := s.hashUID(userHash, uid)
	if err != nil {
		return err
	}
	c.HashedUID = hashed
	return s.cards.Update(ctx, c)
}

// List returns all cards owned by a user.
func (s *Service) List(ctx context.Context, userHash string) ([]*Card, error) {
	return s.cards.ListByUser(ctx, userHash)
}

// Delete removes a card upstream and locally. An upstream registration
// that is already gone does not block local deletion.
func (s *Service) Delete(ctx context.Context, userHash, cardID string) error {
	c, err := s.cards.GetByID(ctx, userHash, cardID)
	if err != nil {
		return err
	}

	adminKey, _, release, err := s.wallets.CheckoutAdminKey(ctx, userHash)
	if err != nil {
		return err
	}
	err = s.client.DeleteCard(ctx, adminKey, c.UpstreamID)
	release()
	if err != nil && !errors.Is(err, lnbits.ErrNotFound) {
		return err
	}
	return s.cards.Delete(ctx, userHash, cardID)
}
