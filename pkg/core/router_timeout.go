package core

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var errRouteTimeout = errors.New("route deadline exceeded")

// withTimeout bounds one inproc handler call. A call still running at the
// deadline is reported as a timeout whatever the handler returns.
func withTimeout(h InprocHandler, d time.Duration) InprocHandler {
	if d <= 0 {
		return h
	}
	return func(ctx context.Context, in []byte) ([]byte, int, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		out, status, err := h(ctx, in)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, http.StatusGatewayTimeout, errRouteTimeout
		}
		return out, status, err
	}
}
