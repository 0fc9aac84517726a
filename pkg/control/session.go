// pkg/control/session.go
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeydtaylor/steeze-gateway/pkg/codec"
	"go.uber.org/zap"
)

// Handler receives every inbound message that is not a reply to a pending
// request. It runs on the session's read loop, so it must not block on
// Request against the same session; spawn a goroutine for that.
type Handler func(ctx context.Context, s *Session, m Message)

// Direction labels the message hook.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMessageHook observes every decoded or sent message (metrics).
func WithMessageHook(fn func(Direction, Type)) SessionOption {
	return func(s *Session) { s.hook = fn }
}

// WithMaxLine overrides the framed message size limit.
func WithMaxLine(n int) SessionOption {
	return func(s *Session) { s.maxLine = n }
}

// Session is one peer connection: framing, ordered sends and request/response
// correlation. It is used by both the coordinator and the worker role.
type Session struct {
	id      string
	conn    net.Conn
	log     *zap.Logger
	hook    func(Direction, Type)
	maxLine int

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, opts ...SessionOption) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		log:     zap.NewNop(),
		maxLine: codec.DefaultMaxLine,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("session", s.id))
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, if it has.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send writes one message. Writes are serialized so peers see them in call order.
func (s *Session) Send(ctx context.Context, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write(b); err != nil {
		s.closeWith(err)
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	if s.hook != nil {
		s.hook(Outbound, m.Type())
	}
	return nil
}

// Reply answers req, carrying over its request id.
func (s *Session) Reply(ctx context.Context, req Message, p Payload) error {
	return s.Send(ctx, Message{Payload: p, RequestID: req.RequestID})
}

// Request sends m with a fresh request id and waits for the matching reply.
// It fails with ErrChannelClosed as soon as the session ends.
func (s *Session) Request(ctx context.Context, m Message) (Message, error) {
	if m.RequestID == "" {
		m.RequestID = uuid.NewString()
	}
	ch := make(chan Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrChannelClosed
	}
	if _, dup := s.pending[m.RequestID]; dup {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("control: duplicate request id %q", m.RequestID)
	}
	s.pending[m.RequestID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, m.RequestID)
		s.mu.Unlock()
	}

	if err := s.Send(ctx, m); err != nil {
		forget()
		return Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		forget()
		return Message{}, ctx.Err()
	case <-s.done:
		// a reply may have raced the close
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return Message{}, ErrChannelClosed
	}
}

// Call is Request plus interpretation of an "error" reply as *RemoteError.
func (s *Session) Call(ctx context.Context, m Message) (Message, error) {
	resp, err := s.Request(ctx, m)
	if err != nil {
		return resp, err
	}
	if f, ok := resp.Payload.(Failure); ok {
		return resp, &RemoteError{Failure: f}
	}
	return resp, nil
}

// Serve runs the read loop until the connection ends or ctx is cancelled.
// Malformed lines are logged and skipped.
func (s *Session) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { s.closeWith(ctx.Err()) })
	defer stop()

	lr := codec.NewLineReader(s.conn, s.maxLine)
	for {
		line, err := lr.Next()
		if err != nil {
			if errors.Is(err, codec.ErrLineTooLong) {
				s.log.Warn("control line dropped", zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.closeWith(err)
			return s.Err()
		}
		m, err := Decode(line)
		if err != nil {
			s.log.Warn("control message skipped", zap.Error(err), zap.ByteString("line", truncate(line, 256)))
			continue
		}
		if s.hook != nil {
			s.hook(Inbound, m.Type())
		}
		if s.deliver(m) {
			continue
		}
		if h != nil {
			h(ctx, s, m)
		}
	}
}

func (s *Session) deliver(m Message) bool {
	if m.RequestID == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.pending[m.RequestID]
	if ok {
		delete(s.pending, m.RequestID)
	}
	s.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

// Close ends the session; pending requests fail with ErrChannelClosed.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if cause != nil {
			s.err = cause
		}
		s.pending = map[string]chan Message{}
		s.mu.Unlock()
		_ = s.conn.Close()
		close(s.done)
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
