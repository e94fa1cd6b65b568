// Package lnbits provides a client for the external wallet management API.
// Each user is backed by one upstream wallet identified by a wallet ID plus
// an admin key and an invoice key. The gateway stores both keys sealed and
// only decrypts the one an action needs.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every upstream call.
const DefaultTimeout = 10 * time.Second

// ErrUpstream is returned for any upstream failure. Upstream response bodies
// are never included: they can echo keys and invoice details.
var ErrUpstream = errors.New("wallet api request failed")

// ErrNotFound is returned when the upstream reports a missing resource.
var ErrNotFound = errors.New("wallet api resource not found")

// Wallet is an upstream wallet with its two API keys.
type Wallet struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AdminKey    string `json:"adminkey"`
	InvoiceKey  string `json:"inkey"`
	BalanceMsat int64  `json:"balance_msat"`
}

// Invoice is a created lightning invoice.
type Invoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}

// Payment is the result of paying an invoice.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	FeeMsat     int64  `json:"fee_msat"`
	Preimage    string `json:"preimage"`
}

// PaymentInfo is the settlement state of a payment.
type PaymentInfo struct {
	Paid     bool   `json:"paid"`
	Pending  bool   `json:"pending"`
	Preimage string `json:"preimage"`
}

// Card is an upstream NTAG card registration. AuthLink is the one-time
// pairing link the card programming app consumes; it is sealed at rest
// and returned to the caller exactly once.
type Card struct {
	ID       string `json:"id"`
	Name     string `json:"card_name"`
	UID      string `json:"uid"`
	Enabled  bool   `json:"enable"`
	AuthLink string `json:"otp"`
}

// Client is the interface the gateway programs against. It enables
// function-field mocks in handler tests.
type Client interface {
	// Instance-keyed management operations.
	CreateWallet(ctx context.Context, name string) (*Wallet, error)
	GetWallet(ctx context.Context, apiKey string) (*Wallet, error)

	// Per-user wallet operations. The key argument is the decrypted
	// invoice or admin key for that user's wallet.
	CreateInvoice(ctx context.Context, invoiceKey string, amountSats int64, memo string) (*Invoice, error)
	PayInvoice(ctx context.Context, adminKey, bolt11 string) (*Payment, error)
	PaymentStatus(ctx context.Context, invoiceKey, paymentHash string) (*PaymentInfo, error)

	// Card extension operations.
	CreateCard(ctx context.Context, adminKey, name string) (*Card, error)
	DeleteCard(ctx context.Context, adminKey, cardID string) error

	// Wallet-connect grant registry operations, instance-keyed.
	RegisterConnection(ctx context.Context, connectionID, walletID string, capabilities []string) error
	RevokeConnection(ctx context.Context, connectionID string) error
}

// HTTPClient implements Client against an LNbits-compatible HTTP API.
type HTTPClient struct {
	baseURL  string
	adminKey string // instance-level admin key, used for wallet management only
	http     *http.Client
}

// NewHTTPClient creates a client for the given base URL and instance admin key.
func NewHTTPClient(baseURL, adminKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:  baseURL,
		adminKey: adminKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// do performs a request with the given per-call API key and decodes the JSON
// response into out (if non-nil). Response bodies of failed requests are
// discarded, not wrapped into the returned error.
func (c *HTTPClient) do(ctx context.Context, method, path, apiKey string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, sanitizeTransportError(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response body", ErrUpstream)
	}
	return nil
}

// sanitizeTransportError strips URL details from transport errors so logs
// never carry query strings or credentials embedded in the base URL.
func sanitizeTransportError(err error) string {
	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "connection error"
}

// CreateWallet provisions a new upstream wallet. Not retried: the caller's
// claim-row protocol guarantees at-most-once invocation per user.
func (c *HTTPClient) CreateWallet(ctx context.Context, name string) (*Wallet, error) {
	var wallet Wallet
	payload := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallet", c.adminKey, payload, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetWallet fetches wallet details, including balance, for the wallet the
// given key belongs to. Either capability key works: balance reads need no
// admin rights, so callers pass the invoice key where they have a choice.
func (c *HTTPClient) GetWallet(ctx context.Context, apiKey string) (*Wallet, error) {
	var wallet Wallet
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet", apiKey, nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// CreateInvoice creates a receive invoice on the caller's wallet.
func (c *HTTPClient) CreateInvoice(ctx context.Context, invoiceKey string, amountSats int64, memo string) (*Invoice, error) {
	var invoice Invoice
	payload := map[string]any{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", invoiceKey, payload, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// PayInvoice pays a bolt11 invoice from the caller's wallet. Never retried:
// a timed-out payment may still settle.
func (c *HTTPClient) PayInvoice(ctx context.Context, adminKey, bolt11 string) (*Payment, error) {
	var payment Payment
	payload := map[string]any{
		"out":    true,
		"bolt11": bolt11,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", adminKey, payload, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// PaymentStatus looks up the settlement state of a payment by hash.
func (c *HTTPClient) PaymentStatus(ctx context.Context, invoiceKey, paymentHash string) (*PaymentInfo, error) {
	var info PaymentInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+paymentHash, invoiceKey, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateCard registers a card on the caller's wallet.
func (c *HTTPClient) CreateCard(ctx context.Context, adminKey, name string) (*Card, error) {
	var card Card
	payload := map[string]string{"card_name": name}
	if err := c.do(ctx, http.MethodPost, "/boltcards/api/v1/cards", adminKey, payload, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// DeleteCard removes a card registration upstream.
func (c *HTTPClient) DeleteCard(ctx context.Context, adminKey, cardID string) error {
	return c.do(ctx, http.MethodDelete, "/boltcards/api/v1/cards/"+cardID, adminKey, nil, nil)
}

// RegisterConnection registers a wallet-connect grant upstream so the node
// accepts requests signed under it. Not retried: a failed registration
// aborts grant creation before any local row exists.
func (c *HTTPClient) RegisterConnection(ctx context.Context, connectionID, walletID string, capabilities []string) error {
	payload := map[string]any{
		"id":           connectionID,
		"wallet_id":    walletID,
		"capabilities": capabilities,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/nwc/connections", c.adminKey, payload, nil)
}

// RevokeConnection invalidates a grant registration upstream.
func (c *HTTPClient) RevokeConnection(ctx context.Context, connectionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/nwc/connections/"+connectionID, c.adminKey, nil, nil)
}
