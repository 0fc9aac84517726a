package gateway

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// isUpgrade matches any protocol switch attempt, websocket or not (h2c,
// TLS upgrade). None of them may reach an app handler.
func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" || headerHasToken(r.Header, "Connection", "upgrade")
}

func isWebSocket(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// serveUpgrade hands websocket requests on the reserved path to the hub and
// drops every other upgrade attempt at the connection level.
func (g *Gateway) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if h := g.upgrade.Load(); h != nil && r.URL.Path == g.opts.WSPath && isWebSocket(r) {
		(*h).ServeHTTP(w, r)
		return
	}
	g.log.Debug("upgrade rejected",
		zap.String("path", r.URL.Path),
		zap.String("upgrade", r.Header.Get("Upgrade")),
	)
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
