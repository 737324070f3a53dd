package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestQueryOwnership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assets/apes/42/owner" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"collection":"apes","token_id":"42","owner":"cosmos1seller"}`))
	}))
	defer srv.Close()
	c := New(srv.URL, srv.URL, time.Second)

	owned, err := c.QueryOwnership(context.Background(), "apes", "42", "cosmos1seller")
	if err != nil || !owned {
		t.Fatalf("owned = %v err=%v", owned, err)
	}
	owned, err = c.QueryOwnership(context.Background(), "apes", "42", "cosmos1other")
	if err != nil || owned {
		t.Fatalf("foreign owner reported owned=%v err=%v", owned, err)
	}
}

func TestQueryBalanceParsesStringAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":"cosmos1buyer","denom":"usdc","available":"125.50"}`))
	}))
	defer srv.Close()

	bal, err := New(srv.URL, srv.URL, time.Second).QueryBalance(context.Background(), "cosmos1buyer")
	if err != nil || bal != 125.5 {
		t.Fatalf("balance = %v err=%v", bal, err)
	}
}

func TestErrorStatusCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, srv.URL, time.Second).QueryBalance(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "ledger offline") || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
}

func TestTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := New(srv.URL, srv.URL, 50*time.Millisecond).QueryOwnership(context.Background(), "a", "1", "x")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
