package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
)

var userHashPattern = regexp.MustCompile(`^[a-f0-9]{16,64}$`)

func validUserHash(h string) bool {
	return userHashPattern.MatchString(h)
}

// handleProvisionWallet creates an upstream wallet and stores its sealed
// credentials, exactly once per user. Concurrent requests race on a claim
// row; losers poll briefly and then get a retryable 202.
func (g *Gateway) handleProvisionWallet(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		UserHash     string `json:"user_hash"`
		FederationID string `json:"federation_id"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if !validUserHash(req.UserHash) {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "user_hash must be a lowercase hex digest")
	}
	if req.FederationID == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "federation_id is required")
	}

	create := func(ctx context.Context) (string, error) {
		upstream, err := g.cfg.Client.CreateWallet(ctx, "member-"+req.UserHash[:8])
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.ObserveUpstream("create_wallet", err)
		}
		if err != nil {
			return "", err
		}
		if err := g.cfg.Wallets.Store(ctx, req.UserHash, req.FederationID, upstream.ID, upstream.AdminKey, upstream.InvoiceKey); err != nil {
			return "", fmt.Errorf("store credential: %w", err)
		}
		return upstream.ID, nil
	}
	enrich := func(ctx context.Context, walletID string) {
		// Verification only; a read failure here does not undo anything.
		key, _, release, err := g.cfg.Wallets.CheckoutInvoiceKey(ctx, req.UserHash)
		if err != nil {
			slog.WarnContext(ctx, "post-provision credential checkout failed",
				"user_hash", req.UserHash, "error", err)
			return
		}
		defer release()
		if _, err := g.cfg.Client.GetWallet(ctx, key); err != nil {
			slog.WarnContext(ctx, "post-provision wallet verification failed",
				"wallet_id", walletID, "error", err)
		}
	}

	walletID, err := g.cfg.Provisioner.Provision(ctx, "wallet:"+req.UserHash, create, enrich)
	switch {
	case errors.Is(err, provision.ErrStillPreparing):
		return nil, errOf(http.StatusAccepted, ErrCodeStillPreparing, "wallet is still being prepared, retry shortly")
	case err != nil:
		slog.ErrorContext(ctx, "wallet provisioning failed",
			"user_hash", req.UserHash, "error", err)
		return nil, errOf(http.StatusBadGateway, ErrCodeUpstream, "wallet provisioning failed")
	}

	return map[string]any{
		"user_hash":     req.UserHash,
		"federation_id": req.FederationID,
		"wallet_id":     walletID,
	}, nil
}

func (g *Gateway) handleRotateWalletKeys(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		UserHash      string `json:"user_hash"`
		NewAdminKey   string `json:"new_admin_key"`
		NewInvoiceKey string `json:"new_invoice_key"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if !validUserHash(req.UserHash) {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "user_hash must be a lowercase hex digest")
	}
	if req.NewAdminKey == "" || req.NewInvoiceKey == "" {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "both new_admin_key and new_invoice_key are required")
	}

	if err := g.cfg.Wallets.RotateKeys(ctx, req.UserHash, req.NewAdminKey, req.NewInvoiceKey); err != nil {
		return nil, mapCredentialErr(err)
	}
	return map[string]any{"user_hash": req.UserHash, "rotated": true}, nil
}

// handleExportAuditLog exports a user's decrypt audit trail. With
// archive=true the export is uploaded to object storage and the object
// key is returned instead of the payload.
func (g *Gateway) handleExportAuditLog(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	var req struct {
		UserHash string `json:"user_hash"`
		Format   string `json:"format"`
		Limit    int    `json:"limit"`
		From     string `json:"from"`
		To       string `json:"to"`
		Archive  bool   `json:"archive"`
	}
	if apiErr := unmarshalPayload(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if !validUserHash(req.UserHash) {
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "user_hash must be a lowercase hex digest")
	}

	format := audit.ExportFormat(req.Format)
	if format == "" {
		format = audit.ExportFormatJSON
	}
	switch format {
	case audit.ExportFormatCSV, audit.ExportFormatJSON, audit.ExportFormatCBOR:
	default:
		return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "format must be csv, json or cbor")
	}

	opts := audit.ExportOptions{
		Format:   format,
		UserHash: req.UserHash,
		Limit:    req.Limit,
	}
	if req.From != "" {
		from, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "from must be RFC 3339")
		}
		opts.From = from
	}
	if req.To != "" {
		to, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "to must be RFC 3339")
		}
		opts.To = to
	}

	if req.Archive {
		if g.cfg.Archiver == nil {
			return nil, errOf(http.StatusBadRequest, ErrCodeValidation, "archival storage is not configured")
		}
		key, err := g.cfg.Archiver.Archive(ctx, g.cfg.Audits, opts)
		if err != nil {
			slog.ErrorContext(ctx, "audit archive failed", "user_hash", req.UserHash, "error", err)
			return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "archive failed")
		}
		return map[string]any{"archived": true, "object_key": key, "format": string(format)}, nil
	}

	data, err := audit.ExportRecords(g.cfg.Audits, opts)
	if err != nil {
		slog.ErrorContext(ctx, "audit export failed", "user_hash", req.UserHash, "error", err)
		return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "export failed")
	}

	resp := map[string]any{"format": string(format)}
	switch format {
	case audit.ExportFormatJSON:
		resp["records"] = json.RawMessage(data)
	default:
		// CSV and CBOR ride inside the JSON envelope as base64.
		resp["content"] = base64.StdEncoding.EncodeToString(data)
	}
	return resp, nil
}
