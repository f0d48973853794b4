// Package logging provides structured logging with trace ID propagation on
// top of log/slog: a per-request trace ID injected via middleware and
// extracted from context, plus helpers that keep secrets out of log lines.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/ferro-labs/credstore/internal/model"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// Logger is the process logger. Callers should prefer FromContext(ctx) to
// attach the request trace ID.
var Logger = slog.Default()

// Setup (re-)initialises the process logger on stdout and returns it. level
// is one of debug/info/warn/error (default info). format is "json" (default)
// or "text".
func Setup(level, format string) *slog.Logger {
	Logger = New(os.Stdout, level, format)
	slog.SetDefault(Logger)
	return Logger
}

// New builds a logger writing to w without touching the process default.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Secret returns a log attribute holding the masked form of an API key
// secret.
func Secret(secret string) slog.Attr {
	return slog.String("key", model.MaskSecret(secret))
}

// NewTraceID generates a random 16-byte hex trace ID.
func NewTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace ID stored in the context.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// FromContext returns Logger annotated with the trace_id from ctx.
func FromContext(ctx context.Context) *slog.Logger {
	return With(ctx, Logger)
}

// With annotates base with the trace_id from ctx, if any.
func With(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = Logger
	}
	if id := TraceIDFromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}

// Middleware injects a trace ID into every request context and echoes it in
// the X-Request-ID response header. Uses the incoming X-Request-ID header if
// present, otherwise generates a new one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = NewTraceID()
		}
		ctx := WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Request-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
