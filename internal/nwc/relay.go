package nwc

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultProbeTimeout bounds a relay reachability check.
const DefaultProbeTimeout = 5 * time.Second

// ErrRelayUnreachable is returned when the relay cannot be dialed or does
// not answer a ping in time.
var ErrRelayUnreachable = errors.New("relay unreachable")

// RelayProber checks that the configured relay accepts websocket
// connections. Used by the health endpoint and at startup; grant issuance
// itself never blocks on the relay.
type RelayProber struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
}

// NewRelayProber creates a prober for the given relay URL.
func NewRelayProber(url string) *RelayProber {
	return &RelayProber{
		url:     url,
		dialer:  websocket.DefaultDialer,
		timeout: DefaultProbeTimeout,
	}
}

// Probe dials the relay, sends a ping, and waits for the pong.
func (p *RelayProber) Probe(ctx context.Context) error {
	if p.url == "" {
		return nil // no relay configured, nothing to check
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return ErrRelayUnreachable
	}
	defer conn.Close()

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	deadline := time.Now().Add(p.timeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return ErrRelayUnreachable
	}

	// Pong handlers only run while a read is in flight.
	conn.SetReadDeadline(deadline)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pong:
		return nil
	case <-ctx.Done():
		return ErrRelayUnreachable
	}
}
