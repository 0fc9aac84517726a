package control

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrChannelClosed fails every pending request once a session ends.
var ErrChannelClosed = errors.New("control: channel closed")

// ConnectionError means no coordinator is listening on the socket path.
// Callers treat it as "run standalone", not as fatal.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return "control: connect " + e.Path + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err indicates the peer is unreachable.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such file or directory")
}

// RemoteError is returned by Call when the peer answers with an "error" reply.
type RemoteError struct {
	Failure
}

func (e *RemoteError) Error() string { return "control: remote: " + e.Message }
