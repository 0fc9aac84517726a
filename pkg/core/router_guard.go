package core

import (
	"net/http"
	"slices"

	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
)

func unauthorized(w http.ResponseWriter) {
	writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
}

func forbidden(w http.ResponseWriter) {
	writeFailure(w, http.StatusForbidden, "FORBIDDEN", "not allowed")
}

// withGuard enforces a route's guard against the identity the auth
// middleware attached. Without auth wiring only open routes pass.
func withGuard(next http.HandlerFunc, a *auth.Middleware, g manifest.Guard) http.HandlerFunc {
	open := !g.RequireAuth && len(g.Users) == 0 && len(g.Roles) == 0
	if open {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if a == nil || !a.IsAuthenticated(r.Context()) {
			unauthorized(w)
			return
		}
		u := a.GetUser(r.Context())
		switch {
		case a.IsAdmin(r.Context()):
		case len(g.Users) > 0 && !slices.Contains(g.Users, u.Username):
			forbidden(w)
			return
		case len(g.Roles) > 0 && !slices.Contains(g.Roles, u.Role):
			forbidden(w)
			return
		}
		next(w, r)
	}
}
