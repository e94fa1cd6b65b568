package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
)

func (g *Gateway) handleGetInfo(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	actions := PublicActions()
	sort.Strings(actions)
	return map[string]any{
		"name":           "family wallet gateway",
		"version":        Version,
		"network":        "lightning",
		"public_actions": actions,
	}, nil
}

func (g *Gateway) handleHealthCheck(ctx context.Context, claims *auth.Claims, payload json.RawMessage) (any, *apiError) {
	return map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// unmarshalPayload decodes an action payload, tolerating a missing one
// only when the target has no required fields (callers validate after).
func unmarshalPayload(payload json.RawMessage, dst any) *apiError {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return errOf(http.StatusBadRequest, ErrCodeValidation, "malformed payload")
	}
	return nil
}
