package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// DefaultUserHeader carries the authenticated username when none is configured.
const DefaultUserHeader = "X-User"

// TenantFromContext returns the username the request acts for.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(string)
	return tenant, ok && tenant != ""
}

// TenantFromRequest satisfies httpcache.TenantFunc.
func TenantFromRequest(r *http.Request) string {
	tenant, _ := TenantFromContext(r.Context())
	return tenant
}

// Tenant reads the username an upstream session layer placed in header and
// rejects the request when it is absent.
func Tenant(header string) func(http.Handler) http.Handler {
	if strings.TrimSpace(header) == "" {
		header = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(header))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), tenantContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.admins[TenantFromRequest(r)]; !ok {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
