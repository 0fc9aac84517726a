package auth

import "net/http"

// X-Dev-* headers stand in for an assertion when DevBypass is on.
const (
	devUserHeader     = "X-Dev-User"
	devRoleHeader     = "X-Dev-Role"
	devOrgHeader      = "X-Dev-Org"
	devProviderHeader = "X-Dev-Provider"
)

func devUserFromHeaders(r *http.Request) User {
	u := User{
		Username: r.Header.Get(devUserHeader),
		Provider: r.Header.Get(devProviderHeader),
		Role:     r.Header.Get(devRoleHeader),
		Org:      r.Header.Get(devOrgHeader),
	}
	if u.Anonymous() {
		return User{}
	}
	if u.Provider == "" {
		u.Provider = "dev"
	}
	return u
}
