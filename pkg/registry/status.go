package registry

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Status is the lifecycle state of one tenant application.
type Status int

const (
	NotFound Status = iota
	Initializing
	Running
	Stopped
	Error
)

func (s Status) String() string {
	switch s {
	case NotFound:
		return "not_found"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	}
	return "unknown"
}

// ErrAppNotFound is returned by a Booter that has no application for a key.
// The record goes back to NotFound instead of Error.
var ErrAppNotFound = errors.New("registry: application not found")

// ErrStopped is returned to waiters whose boot was superseded by Shutdown.
var ErrStopped = errors.New("registry: application stopped")

// BootError is the failure stored on a record.
type BootError struct {
	Code    string
	Message string
	Err     error
}

func (e *BootError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func (e *BootError) Unwrap() error { return e.Err }

// Coded lets boot collaborators pick the error code surfaced to clients.
type Coded interface {
	error
	Code() string
}

// Instance is a running tenant application.
type Instance interface {
	http.Handler
	Close(ctx context.Context) error
}

// Progress reports a human readable step while a boot is running.
type Progress func(message string)

// Booter constructs running instances. It is the external application factory.
type Booter interface {
	Boot(ctx context.Context, key string, progress Progress) (Instance, error)
}

// BootFunc adapts a function to Booter.
type BootFunc func(ctx context.Context, key string, progress Progress) (Instance, error)

func (f BootFunc) Boot(ctx context.Context, key string, p Progress) (Instance, error) {
	return f(ctx, key, p)
}

// Record is a read-only snapshot of one tenant.
type Record struct {
	Key            string
	Status         Status
	WorkingMessage string
	LastError      *BootError
	UpdatedAt      time.Time
}

// Event is delivered to subscribers on every status or working message change.
type Event struct {
	Key            string
	Status         Status
	Previous       Status
	WorkingMessage string
	Err            *BootError
	// Duration is set on events that end a boot.
	Duration time.Duration
}
