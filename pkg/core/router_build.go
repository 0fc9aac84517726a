package core

import (
	"net/http"

	chimd "github.com/go-chi/chi/v5/middleware"
	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	httpx "github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
)

// BuildRouter wraps the gateway in the process-wide middleware chain and
// mounts the scrape endpoint. Everything else falls through to the gateway.
func BuildRouter(cfg manifest.Config, d BuildDeps) http.Handler {
	r := d.Router
	if r == nil {
		r = httpx.NewChi()
	}
	r.Use(chimd.RequestID, chimd.Recoverer, chimd.Heartbeat("/ping"), httpx.TenantSlot)

	if d.Auth != nil {
		r.Use(d.Auth.Middleware())
	}
	if d.LogMW != nil {
		r.Use(d.LogMW.Middleware(d.Auth))
	}
	if d.Metrics != nil {
		// metrics collector that references auth state without copying it
		r.Use(d.Metrics.Collect(d.Auth))
		if !cfg.Metrics.Disabled {
			r.Get(cfg.Metrics.Path, d.Metrics.Handler())
		}
	}

	gw := d.Gateway
	if gw == nil {
		gw = http.NotFoundHandler()
	}
	r.NotFound(gw)
	r.MethodNotAllowed(gw)
	return r.Mux()
}
