package nwc

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
)

// recordingClient counts upstream grant registry calls.
type recordingClient struct {
	lnbits.MockClient
	registered []string
	revoked    []string
}

func newRecordingClient() *recordingClient {
	c := &recordingClient{}
	c.RegisterConnectionFunc = func(ctx context.Context, connectionID, walletID string, capabilities []string) error {
		c.registered = append(c.registered, connectionID)
		return nil
	}
	c.RevokeConnectionFunc = func(ctx context.Context, connectionID string) error {
		c.revoked = append(c.revoked, connectionID)
		return nil
	}
	return c
}

func newTestService(t *testing.T) (*Service, *recordingClient, *audit.InMemoryRepository) {
	t.Helper()
	keyring, err := vault.NewKeyring("test-master-secret")
	if err != nil {
		t.Fatal(err)
	}
	audits := audit.NewInMemoryRepository()
	client := newRecordingClient()
	return NewService(NewInMemoryRepository(), keyring, audits, client, "wss://relay.example.com"), client, audits
}

func TestCreate_SecretRevealedOnce(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "budget app", []string{CapGetBalance, CapMakeInvoice})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(result.Secret) != secretLen*2 {
		t.Errorf("secret length = %d", len(result.Secret))
	}
	if !strings.HasPrefix(result.PairingURI, "nostr+walletconnect://"+result.Grant.ID) {
		t.Errorf("PairingURI = %q", result.PairingURI)
	}
	if len(client.registered) != 1 || client.registered[0] != result.Grant.ID {
		t.Errorf("upstream registrations = %v", client.registered)
	}

	parsed, err := url.Parse(result.PairingURI)
	if err != nil {
		t.Fatalf("pairing URI does not parse: %v", err)
	}
	if got := parsed.Query().Get("secret"); got != result.Secret {
		t.Errorf("URI secret = %q", got)
	}
	if got := parsed.Query().Get("relay"); got != "wss://relay.example.com" {
		t.Errorf("URI relay = %q", got)
	}

	// Listings carry only the masked identifier preview.
	grants, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 {
		t.Fatalf("len = %d", len(grants))
	}
	g := grants[0]
	if g.SealedSecret != "" || g.Salt != nil {
		t.Error("listing leaked sealed secret material")
	}
	if strings.Contains(result.Secret, strings.Split(g.Preview, "...")[0]) {
		t.Errorf("preview %q derives from the secret", g.Preview)
	}
	if !strings.HasPrefix(g.Preview, result.Grant.ID[:8]) {
		t.Errorf("preview %q does not carry the public identifier prefix", g.Preview)
	}
	if !strings.HasSuffix(g.Preview, "@relay.example.com") {
		t.Errorf("preview %q does not carry the relay host", g.Preview)
	}
}

func TestCreate_CapabilityAllowList(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", nil); !errors.Is(err, ErrNoCapabilities) {
		t.Errorf("empty capabilities = %v, want ErrNoCapabilities", err)
	}
	if _, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{"drain_wallet"}); !errors.Is(err, ErrInvalidCapability) {
		t.Errorf("unknown capability = %v, want ErrInvalidCapability", err)
	}
	if _, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapGetInfo, "admin"}); !errors.Is(err, ErrInvalidCapability) {
		t.Errorf("mixed capability list = %v, want ErrInvalidCapability", err)
	}

	// Rejected requests never reach the upstream registry.
	if len(client.registered) != 0 {
		t.Errorf("upstream registrations = %v, want none", client.registered)
	}
}

func TestCreate_UpstreamRegistrationFailure(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()

	client.RegisterConnectionFunc = func(ctx context.Context, connectionID, walletID string, capabilities []string) error {
		return lnbits.ErrUpstream
	}

	if _, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapGetInfo}); !errors.Is(err, lnbits.ErrUpstream) {
		t.Errorf("Create with failing registry = %v, want ErrUpstream", err)
	}

	// No local row without a registration.
	grants, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 0 {
		t.Errorf("grants = %d, want 0", len(grants))
	}
}

func TestVerifySecret(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapGetInfo})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.VerifySecret(ctx, "user-1", result.Grant.ID, result.Secret); err != nil {
		t.Errorf("VerifySecret with correct secret: %v", err)
	}
	wrong := strings.Repeat("0", len(result.Secret))
	if err := svc.VerifySecret(ctx, "user-1", result.Grant.ID, wrong); !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("wrong secret = %v", err)
	}
	// Another user's hash cannot verify even with the right secret: the
	// derived key differs.
	if err := svc.VerifySecret(ctx, "user-2", result.Grant.ID, result.Secret); !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("foreign user = %v, want ErrGrantNotFound", err)
	}
}

func TestRevoke_SoftDelete(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapGetInfo})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke(ctx, "user-1", result.Grant.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Revocation propagates to the upstream registry.
	if len(client.revoked) != 1 || client.revoked[0] != result.Grant.ID {
		t.Errorf("upstream revocations = %v", client.revoked)
	}
	// Idempotent.
	if err := svc.Revoke(ctx, "user-1", result.Grant.ID); err != nil {
		t.Errorf("second Revoke: %v", err)
	}

	grants, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 0 {
		t.Errorf("revoked grant still listed")
	}

	if err := svc.VerifySecret(ctx, "user-1", result.Grant.ID, result.Secret); !errors.Is(err, ErrGrantRevoked) {
		t.Errorf("revoked VerifySecret = %v, want ErrGrantRevoked", err)
	}

	if err := svc.Revoke(ctx, "user-2", result.Grant.ID); !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("foreign Revoke = %v, want ErrGrantNotFound", err)
	}
}

func TestRotateSecret(t *testing.T) {
	svc, client, audits := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapPayInvoice})
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := svc.RotateSecret(ctx, "user-1", created.Grant.ID)
	if err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if rotated.Secret == created.Secret {
		t.Error("rotation returned the old secret")
	}

	// Rotation is revoke-then-create: the replacement is a new grant and
	// the old one is dead on both sides.
	if rotated.Grant.ID == created.Grant.ID {
		t.Error("rotation kept the old grant id")
	}
	if rotated.Grant.Label != "x" || rotated.Grant.WalletID != "wallet-1" {
		t.Errorf("replacement grant = %+v, want inherited label and wallet", rotated.Grant)
	}
	if len(client.revoked) != 1 || client.revoked[0] != created.Grant.ID {
		t.Errorf("upstream revocations = %v", client.revoked)
	}
	if len(client.registered) != 2 || client.registered[1] != rotated.Grant.ID {
		t.Errorf("upstream registrations = %v", client.registered)
	}

	if err := svc.VerifySecret(ctx, "user-1", created.Grant.ID, created.Secret); !errors.Is(err, ErrGrantRevoked) {
		t.Errorf("old grant after rotation = %v, want ErrGrantRevoked", err)
	}
	if err := svc.VerifySecret(ctx, "user-1", rotated.Grant.ID, rotated.Secret); err != nil {
		t.Errorf("new secret: %v", err)
	}

	records, _ := audits.QueryByOperation(audit.OpGrantRotation, 0)
	if len(records) != 1 {
		t.Fatalf("expected 1 rotation record, got %d", len(records))
	}
	if records[0].ResourceID != created.Grant.ID || records[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("record = %+v", records[0])
	}

	// Rotating a revoked grant fails.
	if _, err := svc.RotateSecret(ctx, "user-1", created.Grant.ID); !errors.Is(err, ErrGrantRevoked) {
		t.Errorf("rotate revoked = %v, want ErrGrantRevoked", err)
	}
}

func TestGrantsSealedPerOwner(t *testing.T) {
	keyring, err := vault.NewKeyring("test-master-secret")
	if err != nil {
		t.Fatal(err)
	}
	repo := NewInMemoryRepository()
	svc := NewService(repo, keyring, audit.NewInMemoryRepository(), newRecordingClient(), "")
	ctx := context.Background()

	result, err := svc.Create(ctx, "user-1", "fed-1", "wallet-1", "x", []string{CapGetInfo})
	if err != nil {
		t.Fatal(err)
	}

	// The process key alone cannot open the sealed secret.
	g, err := repo.GetByID(ctx, "user-1", result.Grant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keyring.Open(g.SealedSecret); !errors.Is(err, vault.ErrIntegrity) {
		t.Errorf("process-key open = %v, want ErrIntegrity", err)
	}
}
