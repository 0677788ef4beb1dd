// Package api serves the back-office REST surface: catalog, ledger, stock
// movements, per-user dashboards and cache administration.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/httpcache"
	"github.com/l0p7/balcao/internal/invalidation"
	"github.com/l0p7/balcao/internal/metrics"
	"github.com/l0p7/balcao/internal/security"
	"github.com/l0p7/balcao/internal/store"
)

const maxRequestBody = 1 << 20

// Deps carries everything the router wires together. Interceptor, Limiter and
// Guard are optional.
type Deps struct {
	Store       *store.Store
	Cache       *cache.Service
	Invalidator *invalidation.Invalidator
	Interceptor *httpcache.Interceptor
	Limiter     *security.RateLimiter
	Guard       *security.Guard
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	UserHeader  string
	Admins      []string
}

// Handlers holds the dependencies shared by every endpoint.
type Handlers struct {
	store       *store.Store
	cache       *cache.Service
	invalidator *invalidation.Invalidator
	logger      *slog.Logger
	admins      map[string]struct{}
}

// NewRouter assembles the middleware chain and mounts every route.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		store:       d.Store,
		cache:       d.Cache,
		invalidator: d.Invalidator,
		logger:      logger.With(slog.String("agent", "api")),
		admins:      make(map[string]struct{}, len(d.Admins)),
	}
	for _, u := range d.Admins {
		if u = strings.TrimSpace(u); u != "" {
			h.admins[u] = struct{}{}
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(d.Metrics))
	if d.Guard != nil {
		r.Use(d.Guard.Middleware)
	}
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(Tenant(d.UserHeader))
		if d.Interceptor != nil {
			r.Use(d.Interceptor.Middleware)
		}
		h.mount(r)
	})
	return r
}

func (h *Handlers) mount(r chi.Router) {
	r.Get("/api/products", h.listProducts)
	r.Post("/api/products", h.createProduct)
	r.Get("/api/products/{id}", h.getProduct)
	r.Put("/api/products/{id}", h.updateProduct)
	r.Delete("/api/products/{id}", h.deleteProduct)

	r.Get("/api/clients", h.listClients)
	r.Post("/api/clients", h.createClient)
	r.Get("/api/clients/{id}", h.getClient)
	r.Put("/api/clients/{id}", h.updateClient)
	r.Delete("/api/clients/{id}", h.deleteClient)

	r.Get("/api/accounts", h.listAccounts)
	r.Post("/api/accounts", h.createAccount)
	r.Get("/api/accounts/{id}", h.getAccount)
	r.Post("/api/accounts/{id}/pay", h.payAccount)
	r.Delete("/api/accounts/{id}", h.deleteAccount)

	r.Get("/api/movements", h.listMovements)
	r.Post("/api/movements", h.createMovement)

	r.Get("/api/users/me/stats", h.userStats)
	r.Get("/api/users/me/activities", h.userActivities)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/api/admin/cache", h.cacheInfo)
		r.Get("/api/admin/cache/key", h.cacheKey)
		r.Delete("/api/admin/cache", h.cacheClear)
	})
}

// written records a successful write: the activity entry first, then
// invalidation of every entity the write touched plus the activity feed.
func (h *Handlers) written(r *http.Request, action string, entity invalidation.Entity, id string, touched ...invalidation.Entity) {
	ctx := r.Context()
	tenant := TenantFromRequest(r)
	if _, err := h.store.Activities.Record(ctx, tenant, action, string(entity), id); err != nil {
		h.logger.Warn("activity record failed",
			slog.String("user", tenant),
			slog.String("entity", string(entity)),
			slog.Any("error", err))
	}
	if h.invalidator == nil {
		return
	}
	entities := append([]invalidation.Entity{entity}, touched...)
	h.invalidator.Invalidate(ctx, tenant, append(entities, invalidation.Activity)...)
}

// storeError maps repository failures to HTTP statuses.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient stock")
	default:
		h.logger.Error("store operation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validateStruct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// instrument reports every request against its chi route pattern.
func instrument(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.ObserveRequest(route, r.Method, status, time.Since(start))
		})
	}
}
