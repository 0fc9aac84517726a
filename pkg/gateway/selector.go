package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// IncomingRequest is the part of a request a selector may look at. The
// coordinator sends the same shape over the control channel.
type IncomingRequest struct {
	URL     string
	Host    string
	Headers http.Header
}

// FromHTTP builds an IncomingRequest from r.
func FromHTTP(r *http.Request) IncomingRequest {
	return IncomingRequest{URL: r.URL.RequestURI(), Host: r.Host, Headers: r.Header}
}

// Selector maps a request to a tenant key. An empty key or an error means
// "use the default app".
type Selector func(ctx context.Context, req IncomingRequest) (string, error)

const (
	AppQueryParam = "__appName"
	AppHeader     = "X-App"
)

// DefaultSelector reads the __appName query parameter, then the X-App header.
func DefaultSelector(_ context.Context, req IncomingRequest) (string, error) {
	if u, err := url.Parse(req.URL); err == nil {
		if name := strings.TrimSpace(u.Query().Get(AppQueryParam)); name != "" {
			return name, nil
		}
	}
	if req.Headers != nil {
		if name := strings.TrimSpace(req.Headers.Get(AppHeader)); name != "" {
			return name, nil
		}
	}
	return "", nil
}

// Chain tries selectors in order and returns the first non-empty key.
func Chain(selectors ...Selector) Selector {
	return func(ctx context.Context, req IncomingRequest) (string, error) {
		var firstErr error
		for _, s := range selectors {
			if s == nil {
				continue
			}
			key, err := s(ctx, req)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if key != "" {
				return key, nil
			}
		}
		return "", firstErr
	}
}
