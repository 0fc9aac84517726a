package core

import (
	"errors"
	"io"
	"net/http"
	"time"

	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	httpx "github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
)

const maxInprocBody = 4 << 20

// buildInproc mounts an inproc app's routes on a fresh router. Every handler
// must be registered; a missing one fails the boot.
func buildInproc(app manifest.App, prefix string, a *auth.Middleware) (http.Handler, error) {
	sub := httpx.NewChi()
	for _, rt := range app.Routes {
		h, ok := Lookup(rt.Handler)
		if !ok {
			return nil, &missingHandlerError{app: app.Name, handler: rt.Handler}
		}
		hf := wrapRoute(withTimeout(h, time.Duration(rt.TimeoutMS)*time.Millisecond))
		hf = withGuard(hf, a, rt.Guard)
		sub.Handle(rt.Method, rt.Path, hf)
	}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "NOT_FOUND", r.URL.Path+" not found")
	})
	sub.NotFound(notFound)
	sub.MethodNotAllowed(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed")
	}))

	root := httpx.NewChi()
	root.Mount(prefix, sub.Mux())
	root.NotFound(notFound)
	return root.Mux(), nil
}

func wrapRoute(h InprocHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInprocBody))
		if err != nil {
			writeFailure(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
			return
		}
		out, status, err := h(r.Context(), body)
		if errors.Is(err, errRouteTimeout) {
			writeFailure(w, http.StatusGatewayTimeout, "ROUTE_TIMEOUT", r.URL.Path+" timed out")
			return
		}
		if err != nil {
			writeFailure(w, statusIf(status, http.StatusInternalServerError), "HANDLER_ERROR", err.Error())
			return
		}
		writeJSON(w, out, statusIf(status, http.StatusOK))
	}
}
