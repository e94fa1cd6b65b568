package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/bolt11"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/card"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/nwc"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/pin"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/wallet"
)

// logLedgerWriteFailure records a spend that settled upstream but could
// not be written to the daily ledger. The amount stays unrecorded rather
// than failing the settled payment.
func logLedgerWriteFailure(ctx context.Context, userHash string, err error) {
	slog.ErrorContext(ctx, "spend ledger write failed after settled payment",
		"user_hash", userHash, "error", err)
}

// mapCredentialErr converts wallet lookup failures to API errors without
// leaking internals.
func mapCredentialErr(err error) *apiError {
	if errors.Is(err, wallet.ErrCredentialNotFound) {
		return errOf(http.StatusNotFound, ErrCodeNotFound, "no wallet provisioned for this account")
	}
	return errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
}

func mapUpstreamErr(err error) *apiError {
	if errors.Is(err, lnbits.ErrNotFound) {
		return errOf(http.StatusNotFound, ErrCodeNotFound, "resource not found")
	}
	return errOf(http.StatusBadGateway, ErrCodeUpstream, "wallet service unavailable")
}

func (g *Gateway) handleGetBalance(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	key, walletID, release, err := g.cfg.Wallets.CheckoutInvoiceKey(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}
	defer release()

	upstream, err := g.cfg.Client.GetWallet(ctx, key)
	release()
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveUpstream("get_wallet", err)
	}
	if err != nil {
		return nil, mapUpstreamErr(err)
	}

	return map[string]any{
		"wallet_id":    walletID,
		"balance_msat": upstream.BalanceMsat,
		"balance_sats": upstream.BalanceMsat / 1000,
	}, nil
}

func (g *Gateway) handleCreateInvoice(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		AmountSats int64  `json:"amount_sats"`
		Memo       string `json:"memo"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.AmountSats <= 0 {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "amount_sats must be positive")
	}
	if len(req.Memo) > 256 {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "memo must be 256 characters or fewer")
	}

	key, _, release, err := g.cfg.Wallets.CheckoutInvoiceKey(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}
	defer release()

	invoice, err := g.cfg.Client.CreateInvoice(ctx, key, req.AmountSats, req.Memo)
	release()
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveUpstream("create_invoice", err)
	}
	if err != nil {
		return nil, mapUpstreamErr(err)
	}

	return map[string]any{
		"payment_hash":    invoice.PaymentHash,
		"payment_request": invoice.PaymentRequest,
	}, nil
}

func (g *Gateway) handlePayInvoice(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		Bolt11 string `json:"bolt11"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Bolt11 == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "bolt11 is required")
	}

	// Policy runs on the declared amount before any credential decrypt.
	amountSats, err := bolt11.AmountSats(req.Bolt11)
	switch {
	case errors.Is(err, bolt11.ErrNoAmount):
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "invoice must declare an amount")
	case err != nil:
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "invoice is not parseable")
	}

	if err := g.cfg.Policy.Authorize(ctx, claims.UserHash, claims.Role, amountSats); err != nil {
		switch {
		case errors.Is(err, ErrApprovalRequired):
			return nil, errOf(http.StatusForbidden, ErrCodeApprovalNeeded, "payment exceeds the approval threshold for this account")
		case errors.Is(err, ErrDailyLimitExceeded):
			return nil, errOf(http.StatusForbidden, ErrCodeDailyLimit, "daily spend limit reached")
		default:
			return nil, errOf(http.StatusServiceUnavailable, ErrCodeInternal, "spend policy unavailable")
		}
	}

	key, _, release, err := g.cfg.Wallets.CheckoutAdminKey(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}
	defer release()

	payment, err := g.cfg.Client.PayInvoice(ctx, key, req.Bolt11)
	release()
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveUpstream("pay_invoice", err)
	}
	if err != nil {
		return nil, mapUpstreamErr(err)
	}

	if err := g.cfg.Policy.Record(ctx, claims.UserHash, amountSats); err != nil {
		// The payment settled; losing a ledger write narrows future
		// budgets less than refusing a settled payment would confuse.
		logLedgerWriteFailure(ctx, claims.UserHash, err)
	}

	return map[string]any{
		"payment_hash": payment.PaymentHash,
		"fee_msat":     payment.FeeMsat,
		"preimage":     payment.Preimage,
		"amount_sats":  amountSats,
	}, nil
}

func (g *Gateway) handlePaymentStatus(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		PaymentHash string `json:"payment_hash"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.PaymentHash == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "payment_hash is required")
	}

	key, _, release, err := g.cfg.Wallets.CheckoutInvoiceKey(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}
	defer release()

	info, err := g.cfg.Client.PaymentStatus(ctx, key, req.PaymentHash)
	release()
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveUpstream("payment_status", err)
	}
	if err != nil {
		return nil, mapUpstreamErr(err)
	}

	return map[string]any{
		"paid":    info.Paid,
		"pending": info.Pending,
	}, nil
}

func (g *Gateway) handleProvisionCard(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	if !g.cfg.CardsEnabled {
		return nil, errOf(http.StatusForbidden, ErrCodeCardsDisabled, "physical cards are not enabled")
	}

	var req struct {
		Label string `json:"label"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}

	desc, err := g.cfg.Wallets.Describe(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}

	result, err := g.cfg.Cards.ProvisionCard(ctx, claims.UserHash, desc.FederationID, req.Label)
	switch {
	case errors.Is(err, provision.ErrStillPreparing):
		return nil, errOf(http.StatusAccepted, ErrCodeStillPreparing, "card is still being prepared, retry shortly")
	case errors.Is(err, card.ErrInvalidLabel):
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "card label must be 1-64 characters")
	case errors.Is(err, lnbits.ErrUpstream):
		return nil, mapUpstreamErr(err)
	case err != nil:
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}

	data := map[string]any{
		"card_id": result.Card.ID,
		"label":   result.Card.Label,
		"enabled": result.Card.Enabled,
	}
	if result.AuthLink != "" {
		// One-time reveal for the card programming app.
		data["auth_link"] = result.AuthLink
	}
	return data, nil
}

// tagUIDPattern matches hex-encoded NTAG UIDs (4, 7 or 10 byte tags).
var tagUIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]{8,20}$`)

func (g *Gateway) handleBindCardUid(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	if !g.cfg.CardsEnabled {
		return nil, errOf(http.StatusForbidden, ErrCodeCardsDisabled, "physical cards are not enabled")
	}

	var req struct {
		CardID string `json:"card_id"`
		UID    string `json:"uid"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.CardID == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "card_id is required")
	}
	if !tagUIDPattern.MatchString(req.UID) {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "uid must be a hex tag identifier")
	}

	if err := g.cfg.Cards.BindUID(ctx, claims.UserHash, req.CardID, strings.ToUpper(req.UID)); err != nil {
		if errors.Is(err, card.ErrCardNotFound) {
			return nil, errOf(http.StatusNotFound, ErrCodeNotFound, "card not found")
		}
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
	return map[string]any{"card_id": req.CardID, "bound": true}, nil
}

func mapPinErr(err error) *apiError {
	switch {
	case errors.Is(err, card.ErrCardNotFound):
		return errOf(http.StatusNotFound, ErrCodeNotFound, "card not found")
	case errors.Is(err, pin.ErrInvalidPIN):
		return errOf(http.StatusBadRequest, ErrCodeValidation, "pin must be exactly six digits")
	case errors.Is(err, pin.ErrRateLimited):
		return errOf(http.StatusTooManyRequests, ErrCodeRateLimited, "too many pin attempts")
	case errors.Is(err, card.ErrNoPIN):
		return errOf(http.StatusConflict, ErrCodeValidation, "card has no pin set")
	default:
		return errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func (g *Gateway) handleSetCardPin(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	if !g.cfg.CardsEnabled {
		return nil, errOf(http.StatusForbidden, ErrCodeCardsDisabled, "physical cards are not enabled")
	}

	var req struct {
		CardID string `json:"card_id"`
		PIN    string `json:"pin"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.CardID == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "card_id is required")
	}

	if err := g.cfg.Cards.SetPIN(ctx, claims.UserHash, req.CardID, req.PIN); err != nil {
		return nil, mapPinErr(err)
	}
	return map[string]any{"card_id": req.CardID, "pin_set": true}, nil
}

func (g *Gateway) handleVerifyCardPin(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	if !g.cfg.CardsEnabled {
		return nil, errOf(http.StatusForbidden, ErrCodeCardsDisabled, "physical cards are not enabled")
	}

	var req struct {
		CardID string `json:"card_id"`
		PIN    string `json:"pin"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.CardID == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "card_id is required")
	}

	err := g.cfg.Cards.VerifyPIN(ctx, claims.UserHash, req.CardID, req.PIN)
	if errors.Is(err, pin.ErrMismatch) {
		return map[string]any{"card_id": req.CardID, "valid": false}, nil
	}
	if err != nil {
		return nil, mapPinErr(err)
	}
	return map[string]any{"card_id": req.CardID, "valid": true}, nil
}

func (g *Gateway) handleCreateConnection(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		Label        string   `json:"label"`
		Capabilities []string `json:"capabilities"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}

	desc, err := g.cfg.Wallets.Describe(ctx, claims.UserHash)
	if err != nil {
		return nil, mapCredentialErr(err)
	}

	result, err := g.cfg.Grants.Create(ctx, claims.UserHash, desc.FederationID, desc.WalletID, req.Label, req.Capabilities)
	switch {
	case errors.Is(err, nwc.ErrNoCapabilities):
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "at least one capability is required")
	case errors.Is(err, nwc.ErrInvalidCapability):
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "capability is not recognized")
	case errors.Is(err, lnbits.ErrUpstream):
		return nil, mapUpstreamErr(err)
	case err != nil:
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}

	return map[string]any{
		"connection_id": result.Grant.ID,
		"label":         result.Grant.Label,
		"capabilities":  result.Grant.Capabilities,
		// Shown exactly once; subsequent listings carry a masked preview.
		"secret":      result.Secret,
		"pairing_uri": result.PairingURI,
	}, nil
}

func (g *Gateway) handleRevokeConnection(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.ConnectionID == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "connection_id is required")
	}

	if err := g.cfg.Grants.Revoke(ctx, claims.UserHash, req.ConnectionID); err != nil {
		if errors.Is(err, nwc.ErrGrantNotFound) {
			return nil, errOf(http.StatusNotFound, ErrCodeNotFound, "connection not found")
		}
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
	return map[string]any{"connection_id": req.ConnectionID, "revoked": true}, nil
}

func (g *Gateway) handleListConnections(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	grants, err := g.cfg.Grants.List(ctx, claims.UserHash)
	if err != nil {
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}

	connections := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		connections = append(connections, map[string]any{
			"connection_id": grant.ID,
			"label":         grant.Label,
			"capabilities":  grant.Capabilities,
			"preview":       grant.Preview,
			"created_at":    grant.CreatedAt,
		})
	}
	return map[string]any{"connections": connections}, nil
}
