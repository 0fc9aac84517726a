package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// App declares one tenant the gateway can boot.
type App struct {
	Name     string  `toml:"name"`
	Type     AppType `toml:"type"`
	Disabled bool    `toml:"disabled"`

	// proxy
	Upstream string `toml:"upstream"`
	Health   string `toml:"health"` // probed until 2xx while booting
	// static
	Dir string `toml:"dir"`
	// inproc
	Routes []Route `toml:"route"`

	BootTimeoutMS int `toml:"boot_timeout_ms"`
}

func (a *App) normalize() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return errors.New("name is required")
	}
	a.Type = AppType(strings.ToLower(strings.TrimSpace(string(a.Type))))
	if a.Type == "" {
		a.Type = AppInproc
	}
	for i := range a.Routes {
		if err := a.Routes[i].normalize(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	return nil
}

func (a *App) validate() error {
	if a.BootTimeoutMS < 0 {
		return errors.New("boot_timeout_ms must be >= 0")
	}
	switch a.Type {
	case AppProxy:
		u, err := url.Parse(a.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream %q must be an absolute URL", a.Upstream)
		}
		if a.Health != "" {
			if _, err := url.Parse(a.Health); err != nil {
				return fmt.Errorf("health %q: %w", a.Health, err)
			}
		}
	case AppStatic:
		if strings.TrimSpace(a.Dir) == "" {
			return errors.New("dir required for static")
		}
	case AppInproc:
		if len(a.Routes) == 0 {
			return errors.New("inproc app needs at least one route")
		}
		for i := range a.Routes {
			if err := a.Routes[i].validate(); err != nil {
				return fmt.Errorf("route %d (%s %s): %w", i, a.Routes[i].Method, a.Routes[i].Path, err)
			}
		}
	default:
		return fmt.Errorf("unknown app type %q", a.Type)
	}
	return nil
}

// HealthURL resolves Health against Upstream.
func (a App) HealthURL() string {
	if a.Health == "" {
		return ""
	}
	base, err := url.Parse(a.Upstream)
	if err != nil {
		return a.Health
	}
	ref, err := url.Parse(a.Health)
	if err != nil {
		return a.Health
	}
	return base.ResolveReference(ref).String()
}
