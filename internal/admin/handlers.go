// Package admin provides the HTTP surface of the credential store: the
// token-protected admin API for key management and the audit trail, the API
// key auth middleware, and the verify and health endpoints.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/credstore/internal/audit"
	"github.com/ferro-labs/credstore/internal/model"
	"github.com/ferro-labs/credstore/internal/storage"
	"github.com/ferro-labs/credstore/internal/validation"
)

// KeyStore is the subset of keys.Store used by the admin API.
type KeyStore interface {
	Authenticator
	Create(ctx context.Context, name, description string) (*model.APIKey, error)
	List(ctx context.Context) ([]model.APIKey, error)
	Get(ctx context.Context, id string) (*model.APIKey, bool, error)
	Revoke(ctx context.Context, id string) (bool, error)
	Reactivate(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Keys  KeyStore
	Audit audit.Log
}

// Routes returns a chi.Router with all admin endpoints mounted. Callers put
// AdminTokenMiddleware in front of it.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/keys", h.listKeys)
	r.Get("/keys/usage", h.keyUsage)
	r.Get("/keys/{id}", h.getKey)
	r.Get("/audit", h.listAudit)

	r.With(validation.CreateKey.Middleware).Post("/keys", h.createKey)
	r.Post("/keys/{id}/revoke", h.revokeKey)
	r.Post("/keys/{id}/reactivate", h.reactivateKey)
	r.Delete("/keys/{id}", h.deleteKey)
	r.Delete("/audit", h.pruneAudit)

	return r
}

// createKey returns the full secret. It is the only response that does.
func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}

	key, err := h.Keys.Create(r.Context(), body.Name, body.Description)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, key)
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Keys.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, keys)
}

func (h *Handlers) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok, err := h.Keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found", "not_found_error", "resource_not_found")
		return
	}
	writeData(w, http.StatusOK, key.Masked())
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Keys.Revoke, "revoked")
}

func (h *Handlers) reactivateKey(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Keys.Reactivate, "active")
}

func (h *Handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Keys.Delete, "deleted")
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (bool, error), status string) {
	id := chi.URLParam(r, "id")
	ok, err := op(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found", "not_found_error", "resource_not_found")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (h *Handlers) keyUsage(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r, 20, 100)
	if !ok {
		return
	}

	sortBy := r.URL.Query().Get("sort")
	if sortBy == "" {
		sortBy = "usage"
	}
	if sortBy != "usage" && sortBy != "last_used" {
		writeError(w, http.StatusBadRequest, "invalid sort: must be usage or last_used", "invalid_request_error", "invalid_request")
		return
	}

	activeFilter := ""
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active: must be true or false", "invalid_request_error", "invalid_request")
			return
		}
		activeFilter = strconv.FormatBool(parsed)
	}

	since, ok := timeParam(w, r, "since")
	if !ok {
		return
	}

	all, err := h.Keys.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	filtered := make([]model.APIKey, 0, len(all))
	for _, key := range all {
		if activeFilter != "" && key.Active != (activeFilter == "true") {
			continue
		}
		if since != nil && (key.LastUsedAt == nil || key.LastUsedAt.Before(*since)) {
			continue
		}
		filtered = append(filtered, key)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if sortBy == "usage" && a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if c := compareLastUsed(a.LastUsedAt, b.LastUsedAt); c != 0 {
			return c > 0
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	var totalUsage int64
	activeKeys := 0
	for _, key := range filtered {
		totalUsage += key.UsageCount
		if key.Active {
			activeKeys++
		}
	}

	page := make([]model.APIKey, 0)
	if offset < len(filtered) {
		page = filtered[offset:]
		if limit < len(page) {
			page = page[:limit]
		}
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"keys": page,
		"summary": map[string]interface{}{
			"total_keys":    len(filtered),
			"active_keys":   activeKeys,
			"total_usage":   totalUsage,
			"returned_keys": len(page),
		},
		"filters": map[string]interface{}{
			"limit":  limit,
			"offset": offset,
			"sort":   sortBy,
			"active": activeFilter,
			"since":  r.URL.Query().Get("since"),
		},
	})
}

// compareLastUsed orders more recent first; a key never used sorts last.
func compareLastUsed(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.Equal(*b):
		return 0
	case a.After(*b):
		return 1
	default:
		return -1
	}
}

func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	if !audit.Enabled(h.Audit) {
		writeError(w, http.StatusNotImplemented, "audit log is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit, offset, ok := pageParams(w, r, 50, 500)
	if !ok {
		return
	}
	since, ok := timeParam(w, r, "since")
	if !ok {
		return
	}

	query := audit.Query{
		Limit:  limit,
		Offset: offset,
		Action: r.URL.Query().Get("action"),
		KeyID:  r.URL.Query().Get("key_id"),
		Since:  since,
	}
	result, err := h.Audit.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit entries", "server_error", "internal_error")
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"entries": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]interface{}{
			"limit":  limit,
			"offset": offset,
			"action": query.Action,
			"key_id": query.KeyID,
			"since":  r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) pruneAudit(w http.ResponseWriter, r *http.Request) {
	if !audit.Enabled(h.Audit) {
		writeError(w, http.StatusNotImplemented, "audit log is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	if r.URL.Query().Get("before") == "" {
		writeError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	before, ok := timeParam(w, r, "before")
	if !ok {
		return
	}

	deleted, err := h.Audit.Delete(r.Context(), audit.MaintenanceQuery{Before: before})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete audit entries", "server_error", "internal_error")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"before":  r.URL.Query().Get("before"),
	})
}

// VerifyHandler reports the key authenticated by AuthMiddleware, masked.
func VerifyHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"key":   key.Masked(),
	})
}

// HealthHandler reports whether the storage backend answers.
func HealthHandler(backend storage.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"backend": string(backend.Kind())}
		w.Header().Set("Content-Type", "application/json")
		if err := storage.Ping(r.Context(), backend); err != nil {
			body["status"] = "degraded"
			body["error"] = storage.KindOf(err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(body)
			return
		}
		body["status"] = "ok"
		_ = json.NewEncoder(w).Encode(body)
	}
}

func pageParams(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (limit, offset int, ok bool) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return 0, 0, false
		}
		limit = min(parsed, maxLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func timeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": must be RFC3339 format", "invalid_request_error", "invalid_request")
		return nil, false
	}
	return &t, true
}
