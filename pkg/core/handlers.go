// core/handlers.go
package core

import (
	"context"
	"sort"
	"sync"
)

// InprocHandler is the signature for handlers compiled into the binary and
// referenced by inproc app routes. 'in' is the raw request body, 'status' is
// the HTTP status code to send.
type InprocHandler func(ctx context.Context, in []byte) (out []byte, status int, err error)

var (
	handlersMu sync.RWMutex
	handlers   = map[string]InprocHandler{}
)

// Register makes a handler available under a name referenced in manifest.toml.
func Register(name string, h InprocHandler) {
	handlersMu.Lock()
	handlers[name] = h
	handlersMu.Unlock()
}

// Lookup retrieves a registered in-proc handler by name.
func Lookup(name string) (InprocHandler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

// Registered lists handler names, sorted.
func Registered() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	out := make([]string, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
