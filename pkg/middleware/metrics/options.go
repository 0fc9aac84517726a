package metrics

import (
	"net/http"
	"strings"
)

type Option func(*Metrics)

// WithSkipPaths extends the paths left out of HTTP metrics ("/metrics" always is).
func WithSkipPaths(paths ...string) Option {
	return func(m *Metrics) {
		for _, p := range paths {
			if p = strings.TrimSpace(p); p != "" {
				m.skip[p] = struct{}{}
			}
		}
	}
}

// WithSkipSuffix leaves out every path ending in suffix (health probes).
func WithSkipSuffix(suffix string) Option {
	return func(m *Metrics) {
		if suffix != "" {
			m.skipSuffix = append(m.skipSuffix, suffix)
		}
	}
}

func (m *Metrics) isSkipPath(r *http.Request) bool {
	p := r.URL.Path
	if _, ok := m.skip[p]; ok {
		return true
	}
	for _, s := range m.skipSuffix {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}
