package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "n", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "shown" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "", "TEXT").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSecretIsMasked(t *testing.T) {
	var buf bytes.Buffer
	secret := "rfsk_ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuv"
	New(&buf, "info", "json").Info("validated", Secret(secret))
	if strings.Contains(buf.String(), secret) {
		t.Fatalf("full secret leaked into log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "rfsk_ABCDEFGHIJ...stuv") {
		t.Fatalf("expected masked secret, got %s", buf.String())
	}
}

func TestMiddlewareTraceID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc123" || rec.Header().Get("X-Request-ID") != "abc123" {
		t.Fatalf("expected incoming trace id propagated, got %q / %q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated trace id, got %q", seen)
	}
}

func TestWithAttachesTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", "json")
	With(WithTraceID(context.Background(), "t-1"), base).Info("x")
	if !strings.Contains(buf.String(), `"trace_id":"t-1"`) {
		t.Fatalf("expected trace_id attribute, got %s", buf.String())
	}
}
