package health

import (
	"context"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/nwc"
)

// RelayChecker implements health checking for the NWC relay by probing
// the websocket endpoint.
type RelayChecker struct {
	prober *nwc.RelayProber
}

// NewRelayChecker creates a relay health checker.
func NewRelayChecker(prober *nwc.RelayProber) *RelayChecker {
	return &RelayChecker{prober: prober}
}

// HealthCheck dials the relay and exchanges a ping.
func (r *RelayChecker) HealthCheck(ctx context.Context) error {
	return r.prober.Probe(ctx)
}
