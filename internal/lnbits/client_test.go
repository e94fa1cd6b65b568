package lnbits

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClient_CreateInvoice(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("X-Api-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Invoice{
			PaymentHash:    "abc123",
			PaymentRequest: "lnbc210n1...",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "instance-admin", 0)
	invoice, err := client.CreateInvoice(context.Background(), "user-invoice-key", 21, "test memo")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if invoice.PaymentHash != "abc123" {
		t.Errorf("PaymentHash = %q", invoice.PaymentHash)
	}
	if gotKey != "user-invoice-key" {
		t.Errorf("X-Api-Key = %q, want the per-user invoice key", gotKey)
	}
	if gotBody["out"] != false {
		t.Error("invoice creation must set out=false")
	}
	if gotBody["amount"] != float64(21) {
		t.Errorf("amount = %v", gotBody["amount"])
	}
}

func TestHTTPClient_CreateWallet_UsesInstanceKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "instance-admin" {
			t.Errorf("X-Api-Key = %q", got)
		}
		json.NewEncoder(w).Encode(Wallet{ID: "w1", AdminKey: "ak", InvoiceKey: "ik"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "instance-admin", 0)
	wallet, err := client.CreateWallet(context.Background(), "family-member")
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if wallet.ID != "w1" || wallet.AdminKey != "ak" || wallet.InvoiceKey != "ik" {
		t.Errorf("wallet = %+v", wallet)
	}
}

func TestHTTPClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"sensitive upstream message"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", 0)
	_, err := client.PaymentStatus(context.Background(), "ik", "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPClient_UpstreamErrorSanitized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"admin key abc123 is invalid"}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", 0)
	_, err := client.PayInvoice(context.Background(), "ak", "lnbc1...")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if strings.Contains(err.Error(), "abc123") {
		t.Errorf("upstream body leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", 50*time.Millisecond)
	_, err := client.GetWallet(context.Background(), "ak")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected sanitized timeout error, got %v", err)
	}
	if strings.Contains(err.Error(), server.URL) {
		t.Errorf("transport error leaked the base URL: %v", err)
	}
}

func TestHTTPClient_DeleteCard(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", 0)
	if err := client.DeleteCard(context.Background(), "ak", "card-9"); err != nil {
		t.Fatalf("DeleteCard: %v", err)
	}
	if gotPath != "/boltcards/api/v1/cards/card-9" {
		t.Errorf("path = %q", gotPath)
	}
}
