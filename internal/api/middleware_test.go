package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/storage"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		keys        []string
		allowUnauth bool
		headers     map[string]string
		want        int
	}{
		{"no keys rejects", nil, false, nil, http.StatusUnauthorized},
		{"no keys explicitly open", nil, true, nil, http.StatusOK},
		{"valid header key", []string{"k1", "k2"}, false, map[string]string{"X-API-Key": "k2"}, http.StatusOK},
		{"valid bearer token", []string{"k1"}, false, map[string]string{"Authorization": "Bearer k1"}, http.StatusOK},
		{"wrong key", []string{"k1"}, false, map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing key", []string{"k1"}, false, nil, http.StatusUnauthorized},
		{"allow flag ignored once keys exist", []string{"k1"}, true, nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.keys, tt.allowUnauth)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusUnauthorized {
				var resp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatal(err)
				}
				if resp.Code != "AUTH_REQUIRED" {
					t.Errorf("code = %q", resp.Code)
				}
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(okHandler())

	statuses := make([]int, 3)
	for i := range statuses {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses[i] = rec.Code
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v", statuses)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client status = %d", rec.Code)
	}
}

func TestConcurrencyMiddleware(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			entered <- struct{}{}
			<-release
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := ConcurrencyMiddleware(1)(blocking)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	}()
	<-entered

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/other", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over limit status = %d, want 429", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc/output", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("stream status = %d, want exempt", rec.Code)
	}

	close(release)
	wg.Wait()
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Header().Get("X-Frame-Options") != "DENY" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("api headers = %v", rec.Header())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/abc/", nil))
	if rec.Header().Get("X-Frame-Options") != "" || rec.Header().Get("Content-Security-Policy") != "" {
		t.Errorf("preview should allow framing, headers = %v", rec.Header())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-1" {
		t.Errorf("propagated id = %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) > 128 {
		t.Error("oversized id was propagated")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "INTERNAL" || resp.RequestID == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	handler := MaxBodyMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("small")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("this body is too large")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantAPI  string
	}{
		{fmt.Errorf("lookup: %w", session.ErrSessionNotFound), http.StatusNotFound, "NOT_FOUND"},
		{storage.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: owner_key is required", sandbox.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{sandbox.ErrSecurityViolation, http.StatusForbidden, "SECURITY_BLOCKED"},
		{sandbox.ErrResourceExhausted, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"},
		{&sandbox.ExecutionError{SessionID: "s1", Op: "boot", Err: sandbox.ErrBootFailure}, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"},
		{sandbox.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{io.EOF, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		if status != tt.wantCode || code != tt.wantAPI {
			t.Errorf("statusFor(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantCode, tt.wantAPI)
		}
	}
}
