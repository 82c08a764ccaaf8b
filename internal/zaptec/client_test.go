package zaptec

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evhome/zapbridge/internal/ratelimit"
)

// newTestServer serves the token endpoint plus the given API handler.
func newTestServer(t *testing.T, tokenCalls *atomic.Int64, api http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls != nil {
			tokenCalls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/api/", api)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, attempts int) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:        srv.URL + "/api/",
		TokenURL:       srv.URL + "/oauth/token",
		Username:       "user@example.com",
		Password:       "hunter2",
		Limiter:        ratelimit.New(100, time.Second),
		Logger:         zap.NewNop(),
		RetryAttempts:  attempts,
		RetryInitDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGetRetriesTransientServerError(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "splat", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"Id":"ch1","Name":"Garage"}`))
	})
	c := newTestClient(t, srv, 3)

	charger, err := c.Charger(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("Charger: %v", err)
	}
	if charger["Name"] != "Garage" {
		t.Fatalf("charger = %v", charger)
	}
	if calls.Load() != 2 {
		t.Fatalf("api calls = %d, want 2", calls.Load())
	}
}

func TestMutatingServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "splat", http.StatusInternalServerError)
	})
	c := newTestClient(t, srv, 5)

	err := c.SendCommand(context.Background(), "ch1", 102)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("err = %v, want APIError 500", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("mutating call retried, api calls = %d", calls.Load())
	}
}

func TestTooManyRequestsExhaustsBudget(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(t, srv, 3)

	_, err := c.Charger(context.Background(), "ch1")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("api calls = %d, want the full budget of 3", calls.Load())
	}
}

func TestUnauthorizedTriggersSingleReauth(t *testing.T) {
	var calls, tokenCalls atomic.Int64
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"Id":"ch1"}`))
	})
	c := newTestClient(t, srv, 3)

	if _, err := c.Charger(context.Background(), "ch1"); err != nil {
		t.Fatalf("Charger after reauth: %v", err)
	}
	if tokenCalls.Load() != 2 {
		t.Fatalf("token fetches = %d, want 2", tokenCalls.Load())
	}
}

func TestPersistentUnauthorizedIsAuthError(t *testing.T) {
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, srv, 3)

	_, err := c.Charger(context.Background(), "ch1")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestMalformedPayloadIsValidationError(t *testing.T) {
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Data": "truncated`))
	})
	c := newTestClient(t, srv, 2)

	_, err := c.Installations(context.Background())
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestListingWithoutIDsIsValidationError(t *testing.T) {
	srv := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Data":[{"Name":"no id here"}]}`))
	})
	c := newTestClient(t, srv, 2)

	_, err := c.Installations(context.Background())
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRejectedCredentialsSurfaceAsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"wrong password"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv, 2)

	err := c.Login(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestNewClientRequiresCredentialsAndLimiter(t *testing.T) {
	if _, err := NewClient(ClientOptions{Limiter: ratelimit.New(1, time.Second)}); err == nil {
		t.Fatal("NewClient accepted missing credentials")
	}
	if _, err := NewClient(ClientOptions{Username: "u", Password: "p"}); err == nil {
		t.Fatal("NewClient accepted missing limiter")
	}
}
