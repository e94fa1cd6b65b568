package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/card"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/nwc"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/pin"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/wallet"
)

const (
	testUserHash  = "a1b2c3d4e5f60718a1b2c3d4e5f60718"
	testAdminHash = "ffeeddccbbaa99887766554433221100"
	testInvoice   = "lnbc210n1pvjluezsp5zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zygs9qrsgq"
)

type testEnv struct {
	gw      *Gateway
	jwt     *auth.JWTService
	client  *lnbits.MockClient
	ledger  *InMemorySpendLedger
	wallets *wallet.Service
	audits  *audit.InMemoryRepository
	claims  *provision.InMemoryRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keyring, err := vault.NewKeyring("test-master-secret-0123456789abcdef")
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	audits := audit.NewInMemoryRepository()
	limits := middleware.NewInMemoryRateLimitStore()
	client := &lnbits.MockClient{}
	claims := provision.NewInMemoryRepository()
	provisioner := provision.NewProvisionerWithPolling(claims, 2, time.Millisecond)
	ledger := NewInMemorySpendLedger()

	wallets := wallet.NewService(wallet.NewInMemoryRepository(), keyring, audits, 5*time.Second)
	pins := pin.NewAuthenticator(keyring, limits)
	cards := card.NewService(card.NewInMemoryRepository(), wallets, client, keyring, provisioner, pins, audits)
	grants := nwc.NewService(nwc.NewInMemoryRepository(), keyring, audits, client, "")

	env := &testEnv{
		jwt:     auth.NewJWTService("gateway-test-signing-secret"),
		client:  client,
		ledger:  ledger,
		wallets: wallets,
		audits:  audits,
		claims:  claims,
	}
	env.gw = New(Config{
		JWT:          env.jwt,
		Limits:       limits,
		Wallets:      wallets,
		Cards:        cards,
		Grants:       grants,
		Client:       client,
		Provisioner:  provisioner,
		Audits:       audits,
		Policy:       NewSpendPolicy(10_000, 50_000, ledger),
		CardsEnabled: true,
	})
	return env
}

func (e *testEnv) provisionWalletFor(t *testing.T, userHash string) {
	t.Helper()
	err := e.wallets.Store(context.Background(), userHash, "fed-1", "wallet-1", "admin-key-1", "invoice-key-1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
}

func (e *testEnv) token(t *testing.T, userHash, role string) string {
	t.Helper()
	tok, err := e.jwt.GenerateAccessToken(userHash, role)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *ErrorDetail   `json:"error"`
	Meta    struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"meta"`
}

func (e *testEnv) post(t *testing.T, action, token string, payload any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"action": action, "payload": payload})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.gw.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v (body %s)", err, rec.Body.String())
	}
	return rec, env
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, env envelope, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Errorf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if env.Success {
		t.Error("envelope success = true, want false")
	}
	if env.Error == nil || env.Error.Code != code {
		t.Errorf("error = %+v, want code %q", env.Error, code)
	}
}

func TestUnknownActionRejectedBeforeAuth(t *testing.T) {
	env := newTestEnv(t)

	// No token at all: an unknown action must still come back as a
	// validation error, never as an auth challenge.
	rec, resp := env.post(t, "drainAllWallets", "", nil)
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
}

func TestGetLimitedToPublicActions(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gateway?action=getBalance", nil)
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET getBalance status = %d, want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/gateway?action=getInfo", nil)
	rec = httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET getInfo status = %d, want 200", rec.Code)
	}
}

func TestEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.post(t, ActionGetInfo, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !resp.Success {
		t.Error("success = false")
	}
	if resp.Error != nil {
		t.Errorf("error = %+v, want nil", resp.Error)
	}
	if resp.Meta.Timestamp.IsZero() {
		t.Error("meta.timestamp missing")
	}
	if resp.Data["version"] != Version {
		t.Errorf("version = %v, want %s", resp.Data["version"], Version)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.post(t, ActionGetBalance, "", nil)
	assertErrorCode(t, rec, resp, http.StatusUnauthorized, ErrCodeAuthFailed)

	rec, resp = env.post(t, ActionGetBalance, "not-a-jwt", nil)
	assertErrorCode(t, rec, resp, http.StatusUnauthorized, ErrCodeAuthFailed)

	// Refresh tokens authenticate the refresh endpoint, not actions.
	refresh, err := env.jwt.GenerateRefreshToken(testUserHash)
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	rec, resp = env.post(t, ActionGetBalance, refresh, nil)
	assertErrorCode(t, rec, resp, http.StatusUnauthorized, ErrCodeAuthFailed)
}

func TestAdminScopeRequiresAdminRole(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.post(t, ActionProvisionWallet, env.token(t, testUserHash, auth.RoleAdult), map[string]any{
		"user_hash": testUserHash, "federation_id": "fed-1",
	})
	assertErrorCode(t, rec, resp, http.StatusForbidden, ErrCodeForbidden)
}

type failingLimitStore struct{}

func (failingLimitStore) Allow(ctx context.Context, key string, config middleware.RateLimitConfig) (bool, int, error) {
	return false, 0, errors.New("limit store down")
}

func TestRateLimitStoreOutage(t *testing.T) {
	env := newTestEnv(t)
	env.gw.cfg.Limits = failingLimitStore{}
	env.provisionWalletFor(t, testUserHash)
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		return &lnbits.Wallet{ID: "wallet-1", BalanceMsat: 21_000_000}, nil
	}

	// Wallet scope fails open: the request goes through.
	rec, resp := env.post(t, ActionGetBalance, env.token(t, testUserHash, auth.RoleAdult), nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Errorf("wallet action during limiter outage: status %d, success %v", rec.Code, resp.Success)
	}

	// Admin scope fails closed.
	rec, resp = env.post(t, ActionExportAuditLog, env.token(t, testAdminHash, auth.RoleGuardian), map[string]any{
		"user_hash": testUserHash,
	})
	assertErrorCode(t, rec, resp, http.StatusServiceUnavailable, ErrCodeInternal)
}

func TestRateLimitExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.gw.cfg.WalletLimit = middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	env.provisionWalletFor(t, testUserHash)
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		return &lnbits.Wallet{ID: "wallet-1"}, nil
	}
	token := env.token(t, testUserHash, auth.RoleAdult)

	rec, _ := env.post(t, ActionGetBalance, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec, resp := env.post(t, ActionGetBalance, token, nil)
	assertErrorCode(t, rec, resp, http.StatusTooManyRequests, ErrCodeRateLimited)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		if key != "invoice-key-1" {
			t.Errorf("GetWallet called with %q, want invoice key", key)
		}
		return &lnbits.Wallet{ID: "wallet-1", BalanceMsat: 21_000_500}, nil
	}

	rec, resp := env.post(t, ActionGetBalance, env.token(t, testUserHash, auth.RoleAdult), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Data["balance_msat"].(float64) != 21_000_500 {
		t.Errorf("balance_msat = %v", resp.Data["balance_msat"])
	}
	if resp.Data["balance_sats"].(float64) != 21_000 {
		t.Errorf("balance_sats = %v", resp.Data["balance_sats"])
	}

	// The decrypt left an audit trail.
	records, err := env.audits.QueryByUser(testUserHash, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("audit records = %d (%v), want 1", len(records), err)
	}
	if records[0].Operation != audit.OpDecryptInvoiceKey {
		t.Errorf("operation = %q", records[0].Operation)
	}
	// httptest requests arrive from 192.0.2.1; the decrypt record carries
	// that source address.
	if records[0].SourceIP != "192.0.2.1" {
		t.Errorf("source ip = %q, want 192.0.2.1", records[0].SourceIP)
	}
}

func TestGetBalanceWithoutWallet(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.post(t, ActionGetBalance, env.token(t, testUserHash, auth.RoleAdult), nil)
	assertErrorCode(t, rec, resp, http.StatusNotFound, ErrCodeNotFound)
}

func TestPayInvoiceValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testUserHash, auth.RoleAdult)

	// PayInvoiceFunc stays unset: a validation failure must never reach
	// the upstream, or the mock panics.
	rec, resp := env.post(t, ActionPayInvoice, token, map[string]any{"bolt11": ""})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)

	rec, resp = env.post(t, ActionPayInvoice, token, map[string]any{"bolt11": "lnbc1pvjluez"})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)

	rec, resp = env.post(t, ActionPayInvoice, token, map[string]any{"bolt11": "garbage"})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
}

func TestPayInvoiceApprovalThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)

	// 200 micro-btc = 20k sats: over the 10k threshold, under the 50k
	// ceiling. Upstream mock and the ledger are never touched.
	rec, resp := env.post(t, ActionPayInvoice, env.token(t, testUserHash, auth.RoleOffspring), map[string]any{
		"bolt11": "lnbc200u1pvjluezsp5zyg3zyg3zygs9qrsgq",
	})
	assertErrorCode(t, rec, resp, http.StatusForbidden, ErrCodeApprovalNeeded)

	// 1 milli-btc = 100k sats: past the hard ceiling on the declared
	// amount alone, so the refusal is the ceiling, not approval.
	rec, resp = env.post(t, ActionPayInvoice, env.token(t, testUserHash, auth.RoleOffspring), map[string]any{
		"bolt11": "lnbc1m1pvjluezsp5zyg3zyg3zygs9qrsgq",
	})
	assertErrorCode(t, rec, resp, http.StatusForbidden, ErrCodeDailyLimit)

	// No credential was decrypted on the refused paths.
	records, _ := env.audits.QueryByUser(testUserHash, 0)
	if len(records) != 0 {
		t.Errorf("audit records = %d, want 0", len(records))
	}
}

func TestPayInvoiceDailyCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	if err := env.ledger.Add(context.Background(), testUserHash, 49_500); err != nil {
		t.Fatal(err)
	}

	// 10 micro-btc = 1000 sats would cross the 50k ceiling.
	rec, resp := env.post(t, ActionPayInvoice, env.token(t, testUserHash, auth.RoleOffspring), map[string]any{
		"bolt11": "lnbc10u1pvjluezsp5zyg3zyg3zygs9qrsgq",
	})
	assertErrorCode(t, rec, resp, http.StatusForbidden, ErrCodeDailyLimit)
}

func TestPayInvoiceSettlesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.PayInvoiceFunc = func(ctx context.Context, adminKey, bolt11 string) (*lnbits.Payment, error) {
		if adminKey != "admin-key-1" {
			t.Errorf("PayInvoice called with %q, want admin key", adminKey)
		}
		return &lnbits.Payment{PaymentHash: "abc123", FeeMsat: 12, Preimage: "feed"}, nil
	}

	rec, resp := env.post(t, ActionPayInvoice, env.token(t, testUserHash, auth.RoleOffspring), map[string]any{
		"bolt11": testInvoice,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Data["payment_hash"] != "abc123" {
		t.Errorf("payment_hash = %v", resp.Data["payment_hash"])
	}
	if resp.Data["amount_sats"].(float64) != 21 {
		t.Errorf("amount_sats = %v", resp.Data["amount_sats"])
	}

	spent, err := env.ledger.SpentToday(context.Background(), testUserHash)
	if err != nil || spent != 21 {
		t.Errorf("ledger total = %d (%v), want 21", spent, err)
	}
}

func TestPayInvoiceUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.PayInvoiceFunc = func(ctx context.Context, adminKey, bolt11 string) (*lnbits.Payment, error) {
		return nil, lnbits.ErrUpstream
	}

	rec, resp := env.post(t, ActionPayInvoice, env.token(t, testUserHash, auth.RoleAdult), map[string]any{
		"bolt11": testInvoice,
	})
	assertErrorCode(t, rec, resp, http.StatusBadGateway, ErrCodeUpstream)

	// A failed payment never lands in the spend ledger.
	spent, _ := env.ledger.SpentToday(context.Background(), testUserHash)
	if spent != 0 {
		t.Errorf("ledger total = %d, want 0", spent)
	}
}

func TestProvisionWallet(t *testing.T) {
	env := newTestEnv(t)
	createCalls := 0
	env.client.CreateWalletFunc = func(ctx context.Context, name string) (*lnbits.Wallet, error) {
		createCalls++
		return &lnbits.Wallet{ID: "wallet-new", AdminKey: "ak", InvoiceKey: "ik"}, nil
	}
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		return &lnbits.Wallet{ID: "wallet-new"}, nil
	}
	token := env.token(t, testAdminHash, auth.RoleGuardian)
	payload := map[string]any{"user_hash": testUserHash, "federation_id": "fed-1"}

	rec, resp := env.post(t, ActionProvisionWallet, token, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Data["wallet_id"] != "wallet-new" {
		t.Errorf("wallet_id = %v", resp.Data["wallet_id"])
	}

	// Replaying the provision returns the same wallet without a second
	// upstream create.
	rec, resp = env.post(t, ActionProvisionWallet, token, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", rec.Code)
	}
	if resp.Data["wallet_id"] != "wallet-new" {
		t.Errorf("replay wallet_id = %v", resp.Data["wallet_id"])
	}
	if createCalls != 1 {
		t.Errorf("upstream creates = %d, want 1", createCalls)
	}
}

func TestProvisionWalletStillPreparing(t *testing.T) {
	env := newTestEnv(t)
	// Another replica holds the claim and never finishes within the poll
	// budget.
	if err := env.claims.TryClaim(context.Background(), "wallet:"+testUserHash); err != nil {
		t.Fatal(err)
	}

	rec, resp := env.post(t, ActionProvisionWallet, env.token(t, testAdminHash, auth.RoleGuardian), map[string]any{
		"user_hash": testUserHash, "federation_id": "fed-1",
	})
	assertErrorCode(t, rec, resp, http.StatusAccepted, ErrCodeStillPreparing)
}

func TestProvisionWalletValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testAdminHash, auth.RoleGuardian)

	rec, resp := env.post(t, ActionProvisionWallet, token, map[string]any{
		"user_hash": "DROP TABLE users", "federation_id": "fed-1",
	})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)

	rec, resp = env.post(t, ActionProvisionWallet, token, map[string]any{
		"user_hash": testUserHash,
	})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
}

func TestCardsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.gw.cfg.CardsEnabled = false
	env.provisionWalletFor(t, testUserHash)
	token := env.token(t, testUserHash, auth.RoleAdult)

	for _, action := range []string{ActionProvisionCard, ActionBindCardUid, ActionSetCardPin, ActionVerifyCardPin} {
		rec, resp := env.post(t, action, token, map[string]any{"card_id": "c1", "pin": "123456"})
		assertErrorCode(t, rec, resp, http.StatusForbidden, ErrCodeCardsDisabled)
	}
}

func TestCardPinFlow(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		return &lnbits.Wallet{ID: "wallet-1"}, nil
	}
	env.client.CreateCardFunc = func(ctx context.Context, adminKey, name string) (*lnbits.Card, error) {
		return &lnbits.Card{ID: "up-1", Name: name, Enabled: true, AuthLink: "lnurlw://setup"}, nil
	}
	token := env.token(t, testUserHash, auth.RoleAdult)

	rec, resp := env.post(t, ActionProvisionCard, token, map[string]any{"label": "school"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("provisionCard status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Data["auth_link"] != "lnurlw://setup" {
		t.Errorf("auth_link = %v, want one-time reveal", resp.Data["auth_link"])
	}
	cardID := resp.Data["card_id"].(string)

	rec, _ = env.post(t, ActionSetCardPin, token, map[string]any{"card_id": cardID, "pin": "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("setCardPin status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec, resp = env.post(t, ActionVerifyCardPin, token, map[string]any{"card_id": cardID, "pin": "123456"})
	if rec.Code != http.StatusOK || resp.Data["valid"] != true {
		t.Errorf("verify correct pin: status %d, valid %v", rec.Code, resp.Data["valid"])
	}

	// A wrong PIN is a negative verification, not an error.
	rec, resp = env.post(t, ActionVerifyCardPin, token, map[string]any{"card_id": cardID, "pin": "654321"})
	if rec.Code != http.StatusOK || resp.Data["valid"] != false {
		t.Errorf("verify wrong pin: status %d, valid %v", rec.Code, resp.Data["valid"])
	}

	rec, resp = env.post(t, ActionSetCardPin, token, map[string]any{"card_id": "missing", "pin": "123456"})
	assertErrorCode(t, rec, resp, http.StatusNotFound, ErrCodeNotFound)
}

func TestBindCardUid(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.CreateCardFunc = func(ctx context.Context, adminKey, name string) (*lnbits.Card, error) {
		return &lnbits.Card{ID: "up-1", Name: name, Enabled: true, AuthLink: "lnurlw://setup"}, nil
	}
	token := env.token(t, testUserHash, auth.RoleAdult)

	rec, resp := env.post(t, ActionProvisionCard, token, map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("provisionCard status = %d (body %s)", rec.Code, rec.Body.String())
	}
	cardID := resp.Data["card_id"].(string)

	rec, resp = env.post(t, ActionBindCardUid, token, map[string]any{"card_id": cardID, "uid": "04aabbccddee80"})
	if rec.Code != http.StatusOK || resp.Data["bound"] != true {
		t.Fatalf("bindCardUid: status %d, bound %v (body %s)", rec.Code, resp.Data["bound"], rec.Body.String())
	}

	// Non-hex and truncated identifiers are rejected before the service.
	for _, uid := range []string{"", "zzzz", "04AB"} {
		rec, resp = env.post(t, ActionBindCardUid, token, map[string]any{"card_id": cardID, "uid": uid})
		assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
	}

	rec, resp = env.post(t, ActionBindCardUid, token, map[string]any{"card_id": "missing", "uid": "04AABBCCDDEE80"})
	assertErrorCode(t, rec, resp, http.StatusNotFound, ErrCodeNotFound)
}

func TestConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	token := env.token(t, testUserHash, auth.RoleAdult)

	var registeredWallet string
	env.client.RegisterConnectionFunc = func(ctx context.Context, connectionID, walletID string, capabilities []string) error {
		registeredWallet = walletID
		return nil
	}
	var revokedUpstream []string
	env.client.RevokeConnectionFunc = func(ctx context.Context, connectionID string) error {
		revokedUpstream = append(revokedUpstream, connectionID)
		return nil
	}

	rec, resp := env.post(t, ActionCreateConnection, token, map[string]any{
		"label": "zap app", "capabilities": []string{nwc.CapGetBalance, nwc.CapMakeInvoice},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("createConnection status = %d (body %s)", rec.Code, rec.Body.String())
	}
	secret, _ := resp.Data["secret"].(string)
	if secret == "" {
		t.Fatal("secret missing from creation response")
	}
	if resp.Data["pairing_uri"] == "" {
		t.Error("pairing_uri missing")
	}
	connID := resp.Data["connection_id"].(string)
	if registeredWallet != "wallet-1" {
		t.Errorf("grant registered against wallet %q, want wallet-1", registeredWallet)
	}

	// Listings carry a masked identifier preview, never the secret.
	rec, resp = env.post(t, ActionListConnections, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("listConnections status = %d", rec.Code)
	}
	conns := resp.Data["connections"].([]any)
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	entry := conns[0].(map[string]any)
	if _, leaked := entry["secret"]; leaked {
		t.Error("listing leaked the grant secret")
	}
	preview, _ := entry["preview"].(string)
	if preview == "" || strings.Contains(secret, strings.Split(preview, "...")[0]) {
		t.Errorf("preview %q must derive from the grant id, not the secret", preview)
	}

	rec, resp = env.post(t, ActionRevokeConnection, token, map[string]any{"connection_id": connID})
	if rec.Code != http.StatusOK || resp.Data["revoked"] != true {
		t.Errorf("revoke: status %d, revoked %v", rec.Code, resp.Data["revoked"])
	}
	if len(revokedUpstream) == 0 || revokedUpstream[0] != connID {
		t.Errorf("upstream revocations = %v, want [%s]", revokedUpstream, connID)
	}

	rec, resp = env.post(t, ActionRevokeConnection, token, map[string]any{"connection_id": "nope"})
	assertErrorCode(t, rec, resp, http.StatusNotFound, ErrCodeNotFound)

	rec, resp = env.post(t, ActionCreateConnection, token, map[string]any{
		"label": "bad", "capabilities": []string{"drain_wallet"},
	})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
}

func TestExportAuditLog(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		return &lnbits.Wallet{ID: "wallet-1"}, nil
	}

	// Generate one decrypt record.
	rec, _ := env.post(t, ActionGetBalance, env.token(t, testUserHash, auth.RoleAdult), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("getBalance status = %d", rec.Code)
	}

	adminToken := env.token(t, testAdminHash, auth.RoleGuardian)
	rec, resp := env.post(t, ActionExportAuditLog, adminToken, map[string]any{
		"user_hash": testUserHash, "format": "json",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d (body %s)", rec.Code, rec.Body.String())
	}
	records := resp.Data["records"].([]any)
	if len(records) != 1 {
		t.Errorf("exported records = %d, want 1", len(records))
	}

	// CSV comes back base64-wrapped inside the JSON envelope.
	rec, resp = env.post(t, ActionExportAuditLog, adminToken, map[string]any{
		"user_hash": testUserHash, "format": "csv",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("csv export status = %d", rec.Code)
	}
	if resp.Data["content"] == "" {
		t.Error("csv export missing content")
	}

	rec, resp = env.post(t, ActionExportAuditLog, adminToken, map[string]any{
		"user_hash": testUserHash, "format": "xml",
	})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)

	// Archival without a configured archiver is a client error, not a crash.
	rec, resp = env.post(t, ActionExportAuditLog, adminToken, map[string]any{
		"user_hash": testUserHash, "format": "json", "archive": true,
	})
	assertErrorCode(t, rec, resp, http.StatusBadRequest, ErrCodeValidation)
}

func TestRotateWalletKeys(t *testing.T) {
	env := newTestEnv(t)
	env.provisionWalletFor(t, testUserHash)
	adminToken := env.token(t, testAdminHash, auth.RoleGuardian)

	rec, resp := env.post(t, ActionRotateWalletKeys, adminToken, map[string]any{
		"user_hash": testUserHash, "new_admin_key": "ak2", "new_invoice_key": "ik2",
	})
	if rec.Code != http.StatusOK || resp.Data["rotated"] != true {
		t.Fatalf("rotate: status %d (body %s)", rec.Code, rec.Body.String())
	}

	// Subsequent checkouts see the new key.
	env.client.GetWalletFunc = func(ctx context.Context, key string) (*lnbits.Wallet, error) {
		if key != "ik2" {
			t.Errorf("GetWallet called with %q after rotation", key)
		}
		return &lnbits.Wallet{ID: "wallet-1"}, nil
	}
	rec, _ = env.post(t, ActionGetBalance, env.token(t, testUserHash, auth.RoleAdult), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("post-rotation getBalance status = %d", rec.Code)
	}

	rec, resp = env.post(t, ActionRotateWalletKeys, adminToken, map[string]any{
		"user_hash": testAdminHash, "new_admin_key": "x", "new_invoice_key": "y",
	})
	assertErrorCode(t, rec, resp, http.StatusNotFound, ErrCodeNotFound)
}
