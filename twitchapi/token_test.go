package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSource_Get(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %s, want client_credentials", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "app-token-1",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "app-token-1" {
		t.Errorf("Get() = %s, want app-token-1", tok)
	}

	// Cached token should not trigger a second request.
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatalf("Get() second call error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with empty credentials should error")
	}
	if !strings.Contains(err.Error(), "TWITCH_API_CLIENT_ID") {
		t.Errorf("error = %v, want it to name the missing variable", err)
	}
}

func TestTokenSource_ExpiredRefetches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "fresh", "expires_in": 3600})
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}
	ts.token = "stale"
	ts.expiresAt = time.Now().Add(10 * time.Second) // inside the 1 min refresh buffer

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "fresh" {
		t.Errorf("Get() = %s, want fresh", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one refresh call, got %d", calls.Load())
	}
}
