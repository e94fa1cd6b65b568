package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
)

const componentName = "wallet"

// Service is the only path from sealed credential blobs to plaintext keys.
// Every decrypt is audited and watched; callers must call the returned
// release function on every exit path.
type Service struct {
	repo           Repository
	keyring        *vault.Keyring
	audits         audit.Repository
	releaseTimeout time.Duration
}

// NewService creates a credential service. A releaseTimeout of zero uses
// audit.DefaultReleaseTimeout.
func NewService(repo Repository, keyring *vault.Keyring, audits audit.Repository, releaseTimeout time.Duration) *Service {
	return &Service{
		repo:           repo,
		keyring:        keyring,
		audits:         audits,
		releaseTimeout: releaseTimeout,
	}
}

// Store seals both upstream keys and persists the credential for a newly
// provisioned wallet.
func (s *Service) Store(ctx context.Context, userHash, federationID, walletID, adminKey, invoiceKey string) error {
	sealedAdmin, err := s.keyring.Seal([]byte(adminKey))
	if err != nil {
		return fmt.Errorf("seal admin key: %w", err)
	}
	sealedInvoice, err := s.keyring.Seal([]byte(invoiceKey))
	if err != nil {
		return fmt.Errorf("seal invoice key: %w", err)
	}

	return s.repo.Insert(ctx, &Credential{
		UserHash:         userHash,
		FederationID:     federationID,
		WalletID:         walletID,
		SealedAdminKey:   sealedAdmin,
		SealedInvoiceKey: sealedInvoice,
	})
}

// Describe returns the credential's non-secret metadata. Sealed blobs are
// stripped; callers needing keys go through a checkout.
func (s *Service) Describe(ctx context.Context, userHash string) (*Credential, error) {
	cred, err := s.repo.GetByUserHash(ctx, userHash)
	if err != nil {
		return nil, err
	}
	cred.SealedAdminKey = ""
	cred.SealedInvoiceKey = ""
	return cred, nil
}

// CheckoutInvoiceKey decrypts the user's invoice key under an audited,
// watchdog-bounded window. Returns the plaintext key, the upstream wallet
// id, and the release function.
func (s *Service) CheckoutInvoiceKey(ctx context.Context, userHash string) (string, string, audit.ReleaseFunc, error) {
	return s.checkout(ctx, userHash, audit.OpDecryptInvoiceKey)
}

// CheckoutAdminKey decrypts the user's admin key under an audited,
// watchdog-bounded window. Admin keys authorize spends upstream, so this
// path is reserved for payment and management actions.
func (s *Service) CheckoutAdminKey(ctx context.Context, userHash string) (string, string, audit.ReleaseFunc, error) {
	return s.checkout(ctx, userHash, audit.OpDecryptAdminKey)
}

func (s *Service) checkout(ctx context.Context, userHash, operation string) (string, string, audit.ReleaseFunc, error) {
	cred, err := s.repo.GetByUserHash(ctx, userHash)
	if err != nil {
		return "", "", func() {}, err
	}

	sealed := cred.SealedInvoiceKey
	if operation == audit.OpDecryptAdminKey {
		sealed = cred.SealedAdminKey
	}

	entry := audit.Entry{
		RequestID:    middleware.GetRequestID(ctx),
		SourceIP:     middleware.GetClientIP(ctx),
		UserHash:     userHash,
		FederationID: cred.FederationID,
		ResourceID:   cred.WalletID,
		Component:    componentName,
		Operation:    operation,
	}

	key, release, err := audit.WithAudited(ctx, s.audits, entry, s.releaseTimeout, func(ctx context.Context) (string, error) {
		plain, err := s.keyring.Open(sealed)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	})
	if err != nil {
		return "", "", release, err
	}
	return key, cred.WalletID, release, nil
}

// RotateKeys seals the replacement key pair and overwrites both stored
// blobs. Partial rotation is not supported: both keys change together.
func (s *Service) RotateKeys(ctx context.Context, userHash, newAdminKey, newInvoiceKey string) error {
	cred, err := s.repo.GetByUserHash(ctx, userHash)
	if err != nil {
		return err
	}

	sealedAdmin, err := s.keyring.Seal([]byte(newAdminKey))
	if err != nil {
		return fmt.Errorf("seal admin key: %w", err)
	}
	sealedInvoice, err := s.keyring.Seal([]byte(newInvoiceKey))
	if err != nil {
		return fmt.Errorf("seal invoice key: %w", err)
	}

	if err := s.repo.ReplaceKeys(ctx, userHash, sealedAdmin, sealedInvoice); err != nil {
		s.appendRotationRecord(ctx, cred, audit.OutcomeFailure, err.Error())
		return err
	}
	s.appendRotationRecord(ctx, cred, audit.OutcomeSuccess, "")
	return nil
}

func (s *Service) appendRotationRecord(ctx context.Context, cred *Credential, outcome, errMsg string) {
	_, _ = s.audits.Append(audit.Entry{
		RequestID:    middleware.GetRequestID(ctx),
		SourceIP:     middleware.GetClientIP(ctx),
		UserHash:     cred.UserHash,
		FederationID: cred.FederationID,
		ResourceID:   cred.WalletID,
		Component:    componentName,
		Operation:    audit.OpKeyRotation,
		Outcome:      outcome,
		Error:        errMsg,
	})
}
