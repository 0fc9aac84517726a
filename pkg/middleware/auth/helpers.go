package auth

import "context"

// UserFrom returns the identity on ctx, if any.
func UserFrom(ctx context.Context) User {
	u, _ := ctx.Value(userKey).(User)
	return u
}

func withUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func (m *Middleware) GetUser(ctx context.Context) User { return UserFrom(ctx) }

// IsAdmin is false whenever no admin role is configured.
func (m *Middleware) IsAdmin(ctx context.Context) bool {
	return m.cfg.AdminRole != "" && UserFrom(ctx).Role == m.cfg.AdminRole
}

func (m *Middleware) IsAuthenticated(ctx context.Context) bool {
	return !UserFrom(ctx).Anonymous()
}
