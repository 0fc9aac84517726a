package control

import (
	"context"
	"errors"
	"net"
	"time"
)

// DialTimeout bounds a connect attempt when ctx carries no deadline.
const DialTimeout = 2 * time.Second

// Dial connects to a coordinator socket. Any failure is a *ConnectionError.
func Dial(ctx context.Context, path string, opts ...SessionOption) (*Session, error) {
	if path == "" {
		return nil, &ConnectionError{Path: path, Err: errNoPath}
	}
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ConnectionError{Path: path, Err: err}
	}
	return NewSession(conn, opts...), nil
}

var errNoPath = errors.New("control: socket path not set")
