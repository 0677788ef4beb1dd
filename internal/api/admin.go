package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/balcao/internal/kvstore"
)

func (h *Handlers) cacheInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": h.cache.Backend(),
		"size":    h.cache.Size(r.Context()),
	})
}

func (h *Handlers) cacheKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"exists": h.cache.Exists(r.Context(), key),
		"ttl":    h.cache.TTL(r.Context(), key),
	})
}

// cacheClear deletes the keys matching ?pattern= or flushes everything when
// no pattern is given.
func (h *Handlers) cacheClear(w http.ResponseWriter, r *http.Request) {
	admin := TenantFromRequest(r)
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		if !h.cache.Flush(r.Context()) {
			writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
		h.logger.Info("cache flushed", slog.String("user", admin))
		writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
		return
	}
	if _, err := kvstore.CompilePattern(pattern); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern")
		return
	}
	deleted, ok := h.cache.DelPattern(r.Context(), pattern)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	h.logger.Info("cache pattern cleared",
		slog.String("user", admin),
		slog.String("pattern", pattern),
		slog.Int64("deleted", deleted))
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "deleted": deleted})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{
		"status":   "ok",
		"database": "ok",
		"cache":    h.cache.Backend(),
	}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check database ping failed", slog.Any("error", err))
		body["status"] = "degraded"
		body["database"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
