package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// WalletAPIChecker implements health checking for the upstream wallet
// management API. It hits the unauthenticated health endpoint so no API
// key is needed here.
type WalletAPIChecker struct {
	baseURL string
	client  *http.Client
}

// NewWalletAPIChecker creates a wallet API health checker.
func NewWalletAPIChecker(baseURL string, client *http.Client) *WalletAPIChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &WalletAPIChecker{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

// HealthCheck issues a GET against the upstream health endpoint.
func (c *WalletAPIChecker) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet api unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("wallet api returned %d", resp.StatusCode)
	}
	return nil
}
