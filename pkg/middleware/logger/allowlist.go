package logger

import (
	"net/http"
	"strings"
)

const maxLoggedBody = 1 << 16 // 64 KiB

// shouldLogBody allows small JSON bodies on allowlisted path prefixes only.
func (m *Middleware) shouldLogBody(r *http.Request, body []byte) bool {
	if len(m.bodyPaths) == 0 {
		return false
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return false
	}
	if len(body) == 0 || len(body) > maxLoggedBody {
		return false
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return false
	}
	for _, p := range m.bodyPaths {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}
