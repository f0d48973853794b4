package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferro-labs/credstore/internal/keys"
	"github.com/ferro-labs/credstore/internal/logging"
	"github.com/ferro-labs/credstore/internal/metrics"
	"github.com/ferro-labs/credstore/internal/model"
	"github.com/ferro-labs/credstore/internal/storage"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// APIKeyFromContext retrieves the authenticated API key from the request context.
func APIKeyFromContext(ctx context.Context) (*model.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*model.APIKey)
	return key, ok
}

// Authenticator validates a presented secret.
type Authenticator interface {
	Authenticate(ctx context.Context, secret string) (*model.APIKey, error)
}

// AuthMiddleware returns a chi-compatible middleware that validates API keys
// sent as "Authorization: Bearer <key>" or "X-API-Key: <key>" and stores the
// authenticated key in the request context.
func AuthMiddleware(store Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := presentedKey(r)
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "missing API key", "authentication_error", "missing_api_key")
				return
			}

			apiKey, err := store.Authenticate(r.Context(), secret)
			switch {
			case errors.Is(err, keys.ErrInvalidKey):
				writeError(w, http.StatusUnauthorized, "invalid or revoked API key", "authentication_error", "invalid_api_key")
				return
			case err != nil:
				logging.FromContext(r.Context()).Error("api key check failed", "error", err)
				writeStoreError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// AdminTokenMiddleware guards the admin API with a static bearer token. An
// empty token rejects every request.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				writeError(w, http.StatusServiceUnavailable, "admin API is not configured", "server_error", "admin_disabled")
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_admin_token")
				return
			}
			got := []byte(strings.TrimPrefix(auth, "Bearer "))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error", "invalid_admin_token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware counts requests by chi route pattern and status code.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// writeData writes the success envelope {"success":true,"data":...}.
func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeError writes the failure envelope:
//
//	{"success":false,"message":"...","error":{"type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
		"error": map[string]string{
			"type": errType,
			"code": code,
		},
	})
}

// writeStoreError maps a credential store failure onto an HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrNameRequired):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry the request", "conflict_error", "storage_conflict")
	case errors.Is(err, storage.ErrCorrupt):
		writeError(w, http.StatusInternalServerError, "stored key data is corrupt", "server_error", "storage_corrupt")
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, keys.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "key storage is unavailable", "server_error", "storage_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "server_error", "internal_error")
	}
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusConflict:
		return "conflict_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
