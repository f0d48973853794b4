package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferro-labs/credstore/internal/audit"
	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/keys"
	"github.com/ferro-labs/credstore/internal/storage"
)

const testToken = "admin-secret"

func testServer(t *testing.T, cfg *config.Config) (*keys.Store, http.Handler) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Admin.Token = testToken
	}
	store := keys.NewStore(storage.NewFileBackend(filepath.Join(t.TempDir(), "api-keys.json"), nil))
	t.Cleanup(func() { _ = store.Close() })
	return store, newRouter(store, audit.NoopWriter{}, cfg)
}

func TestHealth(t *testing.T) {
	_, r := testServer(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["backend"] != "file" {
		t.Fatalf("unexpected health body %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, r := testServer(t, nil)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "credstore_http_requests_total") {
		t.Fatalf("expected credstore metrics, got %d", w.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	_, r := testServer(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	_, r := testServer(t, config.Default())
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestVerify(t *testing.T) {
	store, r := testServer(t, nil)
	key, err := store.Create(t.Context(), "svc-a", "")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), key.Secret) {
		t.Fatal("verify response must not echo the full secret")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
	req.Header.Set("X-API-Key", "rfsk_unknown")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestVerifyIsRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Server.VerifyLimit = config.RateLimit{RequestsPerSecond: 0.001, Burst: 2}
	_, r := testServer(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
		req.Header.Set("X-API-Key", "rfsk_guess")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestCORS(t *testing.T) {
	cfg := config.Default()
	cfg.Server.CORSOrigins = []string{"https://app.example.com"}
	_, r := testServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/admin/keys", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/admin/keys", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin for unknown origin, got %q", got)
	}
}

func TestCORS_DefaultAllowsAny(t *testing.T) {
	_, r := testServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected *, got %q", got)
	}
}
