package manifest

import (
	"errors"
	"path"
	"strings"
)

// Route is one endpoint of an inproc app, relative to the API prefix.
type Route struct {
	Path      string `toml:"path"`
	Method    string `toml:"method"`
	Handler   string `toml:"handler"`
	TimeoutMS int    `toml:"timeout_ms"`
	Guard     Guard  `toml:"guard"`
}

type Guard struct {
	Roles       []string `toml:"roles"`
	Users       []string `toml:"users"`
	RequireAuth bool     `toml:"require_auth"`
}

// normalize path/method
func (r *Route) normalize() error {
	if r.Path == "" {
		return errors.New("path is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	if r.Path != "/" {
		r.Path = path.Clean(r.Path)
	}
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = "GET"
	}
	r.Handler = strings.TrimSpace(r.Handler)
	return nil
}

func (r *Route) validate() error {
	if r.Handler == "" {
		return errors.New("handler required")
	}
	if r.TimeoutMS < 0 {
		return errors.New("timeout_ms must be >= 0")
	}
	return nil
}
