package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/card"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/nwc"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/wallet"
)

// Version reported by getInfo.
const Version = "1.2.0"

// Config wires the gateway's collaborators.
type Config struct {
	JWT         *auth.JWTService
	Limits      middleware.RateLimitStore
	Metrics     *middleware.Metrics
	Wallets     *wallet.Service
	Cards       *card.Service
	Grants      *nwc.Service
	Client      lnbits.Client
	Provisioner *provision.Provisioner
	Audits      audit.Repository
	Archiver    *audit.Archiver // nil disables archival on export
	Policy      *SpendPolicy

	CardsEnabled bool

	// Per-scope request budgets. Zero values fall back to defaults.
	PublicLimit middleware.RateLimitConfig
	WalletLimit middleware.RateLimitConfig
	AdminLimit  middleware.RateLimitConfig
}

// Gateway is the single action-dispatch endpoint.
type Gateway struct {
	cfg Config
}

// New creates a Gateway. Zero-valued rate limit configs are replaced with
// the package defaults.
func New(cfg Config) *Gateway {
	if cfg.PublicLimit.RequestsPerWindow == 0 {
		cfg.PublicLimit = middleware.DefaultPublicLimit()
	}
	if cfg.WalletLimit.RequestsPerWindow == 0 {
		cfg.WalletLimit = middleware.DefaultWalletLimit()
	}
	if cfg.AdminLimit.RequestsPerWindow == 0 {
		cfg.AdminLimit = middleware.DefaultAdminLimit()
	}
	return &Gateway{cfg: cfg}
}

// request is the POST body shape: {"action": "...", "payload": {...}}.
type request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// apiError carries a handler failure to the envelope writer.
type apiError struct {
	status  int
	code    string
	message string
}

func errOf(status int, code, message string) *apiError {
	return &apiError{status: status, code: code, message: message}
}

// handlerFunc implements one action. claims is nil for public actions.
type handlerFunc func(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError)

// ServeHTTP dispatches a request to its action handler. The order is
// deliberate: action resolution fails fast before authentication, so
// unknown actions never consume auth or rate limit budget.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Audit records written anywhere below carry the source address.
	ctx := middleware.SetClientIP(r.Context(), middleware.ClientIP(r))

	var name string
	var payload json.RawMessage

	switch r.Method {
	case http.MethodGet:
		name = r.URL.Query().Get("action")
	case http.MethodPost:
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "request body must be JSON with an action field")
			return
		}
		name = req.Action
		payload = req.Payload
	default:
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeValidation, "method not allowed")
		return
	}

	if name == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "action is required")
		return
	}
	action, ok := LookupAction(name)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "unknown action: "+name)
		return
	}

	// GET exposes public actions only; everything stateful goes over POST.
	if r.Method == http.MethodGet && action.Scope != ScopePublic {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeValidation, "action requires POST")
		return
	}

	var claims *auth.Claims
	if action.Scope != ScopePublic {
		var apiErr *apiError
		claims, apiErr = g.authenticate(r)
		if apiErr != nil {
			g.observe(action, "auth_failed")
			WriteError(w, ctx, apiErr.status, apiErr.code, apiErr.message)
			return
		}
		if action.Scope == ScopeAdmin && !auth.AdminRoles[claims.Role] {
			g.observe(action, "forbidden")
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "administrative role required")
			return
		}
		ctx = middleware.SetUserHash(ctx, claims.UserHash)
		ctx = middleware.SetUserRole(ctx, claims.Role)
		middleware.UpdateResponseContext(w, ctx)
	}

	if apiErr := g.checkRateLimit(ctx, w, r, action, claims); apiErr != nil {
		g.observe(action, "rate_limited")
		WriteError(w, ctx, apiErr.status, apiErr.code, apiErr.message)
		return
	}

	handler := g.handlerFor(action.Name)
	data, apiErr := handler(ctx, claims, payload)
	if apiErr != nil {
		g.observe(action, "error")
		WriteError(w, ctx, apiErr.status, apiErr.code, apiErr.message)
		return
	}
	g.observe(action, "success")

	status := http.StatusOK
	if action.Name == ActionProvisionWallet || action.Name == ActionProvisionCard {
		status = http.StatusCreated
	}
	WriteSuccess(w, ctx, status, data)
}

func (g *Gateway) observe(action Action, outcome string) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveGatewayAction(action.Name, string(action.Scope), outcome)
	}
}

// authenticate extracts and validates the bearer token.
func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, *apiError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errOf(http.StatusUnauthorized, ErrCodeAuthFailed, "missing authorization header")
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, errOf(http.StatusUnauthorized, ErrCodeAuthFailed, "authorization header must be a bearer token")
	}

	claims, err := g.cfg.JWT.ValidateToken(token)
	if err != nil {
		return nil, errOf(http.StatusUnauthorized, ErrCodeAuthFailed, "invalid or expired token")
	}
	if claims.Type != auth.TokenTypeAccess {
		return nil, errOf(http.StatusUnauthorized, ErrCodeAuthFailed, "access token required")
	}
	return claims, nil
}

// checkRateLimit applies the per-scope budget. Public and wallet scopes
// fail open on store errors: a limiter outage should not take wallets
// down. The admin scope fails closed: administrative actions are rare and
// an unmetered window there is worse than a refused request.
func (g *Gateway) checkRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, action Action, claims *auth.Claims) *apiError {
	var key string
	var limit middleware.RateLimitConfig
	switch action.Scope {
	case ScopePublic:
		key = "ip:" + middleware.ClientIP(r)
		limit = g.cfg.PublicLimit
	case ScopeWallet:
		key = "user:" + claims.UserHash
		limit = g.cfg.WalletLimit
	case ScopeAdmin:
		key = "user:" + claims.UserHash
		limit = g.cfg.AdminLimit
	}

	allowed, retryAfter, err := g.cfg.Limits.Allow(ctx, key, limit)
	if err != nil {
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.ObserveRateLimitStoreError()
		}
		if action.Scope == ScopeAdmin {
			slog.ErrorContext(ctx, "rate limit store unavailable, refusing admin action",
				"action", action.Name, "error", err)
			return errOf(http.StatusServiceUnavailable, ErrCodeInternal, "service temporarily unavailable")
		}
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request",
			"action", action.Name, "error", err)
		return nil
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ObserveRateLimit(string(action.Scope), !allowed)
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		return errOf(http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
	}
	return nil
}

func (g *Gateway) handlerFor(name string) handlerFunc {
	switch name {
	case ActionGetInfo:
		return g.handleGetInfo
	case ActionHealthCheck:
		return g.handleHealthCheck
	case ActionGetBalance:
		return g.handleGetBalance
	case ActionCreateInvoice:
		return g.handleCreateInvoice
	case ActionPayInvoice:
		return g.handlePayInvoice
	case ActionPaymentStatus:
		return g.handlePaymentStatus
	case ActionProvisionCard:
		return g.handleProvisionCard
	case ActionBindCardUid:
		return g.handleBindCardUid
	case ActionSetCardPin:
		return g.handleSetCardPin
	case ActionVerifyCardPin:
		return g.handleVerifyCardPin
	case ActionCreateConnection:
		return g.handleCreateConnection
	case ActionRevokeConnection:
		return g.handleRevokeConnection
	case ActionListConnections:
		return g.handleListConnections
	case ActionProvisionWallet:
		return g.handleProvisionWallet
	case ActionRotateWalletKeys:
		return g.handleRotateWalletKeys
	case ActionExportAuditLog:
		return g.handleExportAuditLog
	default:
		// Unreachable: LookupAction gates dispatch.
		return func(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
			return nil, errOf(http.StatusInternalServerError, ErrCodeInternal, "handler not wired")
		}
	}
}
