package auth

// User is the caller identity the gateway attaches to a request. It only
// feeds access logs, metrics and route guards; tenants run their own
// authorization.
type User struct {
	Username string `json:"username"`
	Provider string `json:"provider"` // "assert" or "dev"
	Role     string `json:"role,omitempty"`
	Org      string `json:"org,omitempty"`
}

// Anonymous reports whether no identity was established.
func (u User) Anonymous() bool { return u.Username == "" }

type ctxKey int

const userKey ctxKey = 0
