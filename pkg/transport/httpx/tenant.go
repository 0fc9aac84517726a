package httpx

import (
	"context"
	"net/http"
	"sync"
)

// The gateway resolves the tenant deep inside the handler chain; outer
// middleware (access log, metrics) read it back through this slot.

type tenantSlot struct {
	mu  sync.Mutex
	key string
}

type slotKey struct{}

// WithTenantSlot attaches an empty tenant slot to r unless one exists.
func WithTenantSlot(r *http.Request) *http.Request {
	if _, ok := r.Context().Value(slotKey{}).(*tenantSlot); ok {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), slotKey{}, &tenantSlot{}))
}

// SetTenant records the resolved tenant key for the request.
func SetTenant(ctx context.Context, key string) {
	if s, ok := ctx.Value(slotKey{}).(*tenantSlot); ok {
		s.mu.Lock()
		s.key = key
		s.mu.Unlock()
	}
}

// Tenant returns the tenant recorded for the request, if any.
func Tenant(ctx context.Context) string {
	if s, ok := ctx.Value(slotKey{}).(*tenantSlot); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.key
	}
	return ""
}

// TenantSlot is middleware installing the slot.
func TenantSlot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, WithTenantSlot(r))
	})
}
