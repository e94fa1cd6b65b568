package nwc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRelayProber_Reachable(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// The default ping handler replies with a pong during reads.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	prober := NewRelayProber(wsURL)
	if err := prober.Probe(context.Background()); err != nil {
		t.Errorf("Probe: %v", err)
	}
}

func TestRelayProber_Unreachable(t *testing.T) {
	prober := NewRelayProber("ws://localhost:1")
	prober.timeout = 200 * time.Millisecond

	err := prober.Probe(context.Background())
	if !errors.Is(err, ErrRelayUnreachable) {
		t.Errorf("expected ErrRelayUnreachable, got %v", err)
	}
}

func TestRelayProber_NoRelayConfigured(t *testing.T) {
	prober := NewRelayProber("")
	if err := prober.Probe(context.Background()); err != nil {
		t.Errorf("empty relay URL should be a no-op, got %v", err)
	}
}
