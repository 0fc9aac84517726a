// pkg/control/server.go
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server accepts worker sessions on a unix socket. Filesystem permissions on
// the socket are the only access control.
type Server struct {
	path string
	ln   net.Listener
	log  *zap.Logger
	opts []SessionOption

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Listen binds path, replacing a stale socket file left by a dead process.
func Listen(path string, log *zap.Logger, opts ...SessionOption) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := clearStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warn("control socket chmod failed", zap.String("path", path), zap.Error(err))
	}
	return &Server{
		path:     path,
		ln:       ln,
		log:      log,
		opts:     append([]SessionOption{WithLogger(log)}, opts...),
		sessions: make(map[string]*Session),
	}, nil
}

func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control: %s already has a live listener", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) Path() string   { return s.path }
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until Close or ctx cancellation. Each session is
// handed to onSession on its own goroutine and forgotten once it ends.
func (s *Server) Serve(ctx context.Context, onSession func(*Session)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("control accept failed", zap.Error(err))
			return err
		}
		sess := NewSession(conn, s.opts...)
		if !s.track(sess) {
			_ = sess.Close()
			return nil
		}
		s.log.Info("control session opened", zap.String("session", sess.ID()))
		go func() {
			<-sess.Done()
			s.untrack(sess)
			s.log.Info("control session closed", zap.String("session", sess.ID()), zap.Error(sess.Err()))
		}()
		go onSession(sess)
	}
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Sessions returns a snapshot of live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Close stops accepting, ends every session and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, sess := range live {
		_ = sess.Close()
	}
	_ = os.Remove(s.path)
	return err
}
