package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/invalidation"
	"github.com/l0p7/balcao/internal/store"
)

func (h *Handlers) listProducts(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	products, err := cache.Remember(r.Context(), h.cache, cache.Keys.ProductsList(tenant), h.cache.TTLs().Medium,
		func(ctx context.Context) ([]store.Product, error) {
			return h.store.Products.List(ctx, tenant)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handlers) getProduct(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	id := chi.URLParam(r, "id")
	product, err := cache.Remember(r.Context(), h.cache, cache.Keys.Product(tenant, id), h.cache.TTLs().Medium,
		func(ctx context.Context) (store.Product, error) {
			return h.store.Products.Get(ctx, tenant, id)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *Handlers) createProduct(w http.ResponseWriter, r *http.Request) {
	var in store.ProductInput
	if !decode(w, r, &in) {
		return
	}
	product, err := h.store.Products.Create(r.Context(), TenantFromRequest(r), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "create", invalidation.Product, product.ID)
	writeJSON(w, http.StatusCreated, product)
}

func (h *Handlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	var in store.ProductInput
	if !decode(w, r, &in) {
		return
	}
	product, err := h.store.Products.Update(r.Context(), TenantFromRequest(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "update", invalidation.Product, product.ID)
	writeJSON(w, http.StatusOK, product)
}

func (h *Handlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Products.Delete(r.Context(), TenantFromRequest(r), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "delete", invalidation.Product, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listClients(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	clients, err := cache.Remember(r.Context(), h.cache, cache.Keys.ClientsList(tenant), h.cache.TTLs().Medium,
		func(ctx context.Context) ([]store.Client, error) {
			return h.store.Clients.List(ctx, tenant)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (h *Handlers) getClient(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromRequest(r)
	id := chi.URLParam(r, "id")
	client, err := cache.Remember(r.Context(), h.cache, cache.Keys.Client(tenant, id), h.cache.TTLs().Medium,
		func(ctx context.Context) (store.Client, error) {
			return h.store.Clients.Get(ctx, tenant, id)
		})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (h *Handlers) createClient(w http.ResponseWriter, r *http.Request) {
	var in store.ClientInput
	if !decode(w, r, &in) {
		return
	}
	client, err := h.store.Clients.Create(r.Context(), TenantFromRequest(r), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "create", invalidation.Client, client.ID)
	writeJSON(w, http.StatusCreated, client)
}

func (h *Handlers) updateClient(w http.ResponseWriter, r *http.Request) {
	var in store.ClientInput
	if !decode(w, r, &in) {
		return
	}
	client, err := h.store.Clients.Update(r.Context(), TenantFromRequest(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "update", invalidation.Client, client.ID)
	writeJSON(w, http.StatusOK, client)
}

func (h *Handlers) deleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Clients.Delete(r.Context(), TenantFromRequest(r), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.written(r, "delete", invalidation.Client, id)
	w.WriteHeader(http.StatusNoContent)
}
