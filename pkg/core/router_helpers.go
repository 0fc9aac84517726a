package core

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, payload []byte, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(payload) > 0 {
		_, _ = w.Write(payload)
		return
	}
	_, _ = w.Write([]byte(`{}`))
}

func statusIf(s, def int) int {
	if s > 0 {
		return s
	}
	return def
}

// writeFailure uses the gateway's error body shape for app-level failures.
func writeFailure(w http.ResponseWriter, status int, code, msg string) {
	b, _ := json.Marshal(map[string]any{"error": map[string]any{
		"status":  status,
		"code":    code,
		"message": msg,
	}})
	writeJSON(w, b, status)
}
