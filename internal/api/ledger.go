package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/invalidation"
	"github.com/l0p7/balcao/internal/store"
)

func (h *Handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", store.KindPayable, store.KindReceivable:
	default:
		writeError(w, http.StatusBadRequest, "kind must be one of: payable receivable")
		return
	}
	accounts, err := cache.Remember(r.Context(), h.cache, cache.Keys.AccountsList(tenant, kind), h.cache.TTLs().Medium,
		func(ctx context.Context) ([]store.Account, error) {
			return h.store.Accounts.List(ctx, tenant, kind)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// getAccount caches by id alone, so ownership is checked on every read,
// including reads served from the cache.
func (h *Handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := cache.Remember(r.Context(), h.cache, cache.Keys.Account(id), h.cache.TTLs().Medium,
		func(ctx context.Context) (store.Account, error) {
			return h.store.Accounts.Get(ctx, id)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if account.Owner != TenantFromRequest(r) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var in store.AccountInput
	if !decode(w, r, &in) {
		return
	}
	account, err := h.store.Accounts.Create(r.Context(), TenantFromRequest(r), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "create", invalidation.Account, account.ID)
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handlers) payAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.Accounts.MarkPaid(r.Context(), TenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "pay", invalidation.Account, account.ID)
	writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Accounts.Delete(r.Context(), TenantFromRequest(r), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "delete", invalidation.Account, id)
	w.WriteHeader(http.StatusNoContent)
}

// listMovements caches only default-sized pages; the key carries the page number alone.
func (h *Handlers) listMovements(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	page, size, ok := pageParams(w, r)
	if !ok {
		return
	}
	load := func(ctx context.Context) (store.Page, error) {
		return h.store.Movements.ListPage(ctx, tenant, page, size)
	}
	var (
		result store.Page
		err    error
	)
	if size == store.DefaultPageSize {
		result, err = cache.Remember(r.Context(), h.cache, cache.Keys.MovementsPage(tenant, page), h.cache.TTLs().Short, load)
	} else {
		result, err = load(r.Context())
	}
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) createMovement(w http.ResponseWriter, r *http.Request) {
	var in store.MovementInput
	if !decode(w, r, &in) {
		return
	}
	movement, err := h.store.Movements.Create(r.Context(), TenantFromRequest(r), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "create", invalidation.Movement, movement.ID, invalidation.Product)
	writeJSON(w, http.StatusCreated, movement)
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	page, size := 1, store.DefaultPageSize
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return 0, 0, false
		}
		page = n
	}
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "size must be a positive integer")
			return 0, 0, false
		}
		size = n
	}
	page, size = store.NormalizePage(page, size)
	return page, size, true
}

func (h *Handlers) userStats(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	stats, err := cache.Remember(r.Context(), h.cache, cache.Keys.UserStats(tenant), h.cache.TTLs().Short,
		func(ctx context.Context) (store.UserStats, error) {
			return h.store.Stats.ForUser(ctx, tenant)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) userActivities(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	activities, err := cache.Remember(r.Context(), h.cache, cache.Keys.UserActivities(tenant), h.cache.TTLs().Short,
		func(ctx context.Context) ([]store.Activity, error) {
			return h.store.Activities.Recent(ctx, tenant, store.DefaultActivityLimit)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activities)
}
