package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
	"go.uber.org/zap"
)

// NotHandledMessage is the failure text a supervisor without a CLI handler
// answers passCliArgv with; the caller then runs the command itself.
const NotHandledMessage = "Not handle by ipc server"

// WorkerHandle is the supervisor's view of one connected worker.
type WorkerHandle struct {
	ID     string
	Joined time.Time

	sess *control.Session

	mu      sync.Mutex
	address string
	apps    map[string]control.AppStatusChanged
	created bool
}

func (h *WorkerHandle) Session() *control.Session { return h.sess }

// Address is the listener address the worker last reported.
func (h *WorkerHandle) Address() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.address
}

// GatewayCreated reports whether the worker announced its gateway.
func (h *WorkerHandle) GatewayCreated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created
}

// Apps returns the last status reported per tenant.
func (h *WorkerHandle) Apps() map[string]control.AppStatusChanged {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]control.AppStatusChanged, len(h.apps))
	for k, v := range h.apps {
		out[k] = v
	}
	return out
}

// PoolManager owns worker pool membership (spawning replacements, marking
// degraded workers). The coordinator only reports what it sees.
type PoolManager interface {
	WorkerJoined(w *WorkerHandle)
	WorkerEvent(w *WorkerHandle, m control.Message)
	WorkerLeft(w *WorkerHandle, err error)
}

// CLIHandler runs a relayed command line and returns data for the success reply.
type CLIHandler func(ctx context.Context, argv []string) (any, error)

type nopPool struct{}

func (nopPool) WorkerJoined(*WorkerHandle)                  {}
func (nopPool) WorkerEvent(*WorkerHandle, control.Message) {}
func (nopPool) WorkerLeft(*WorkerHandle, error)             {}

// Coordinator is the supervisor side of the control channel.
type Coordinator struct {
	srv  *control.Server
	pool PoolManager
	cli  CLIHandler
	log  *zap.Logger

	mu      sync.RWMutex
	workers map[string]*WorkerHandle
}

func NewCoordinator(srv *control.Server, pool PoolManager, cli CLIHandler, log *zap.Logger) *Coordinator {
	if pool == nil {
		pool = nopPool{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		srv:     srv,
		pool:    pool,
		cli:     cli,
		log:     log,
		workers: make(map[string]*WorkerHandle),
	}
}

func (c *Coordinator) Mode() Mode { return ModeCoordinator }

// Serve accepts workers until ctx ends or Close is called.
func (c *Coordinator) Serve(ctx context.Context) error {
	return c.srv.Serve(ctx, func(s *control.Session) { c.accept(ctx, s) })
}

func (c *Coordinator) accept(ctx context.Context, s *control.Session) {
	h := &WorkerHandle{
		ID:     s.ID(),
		Joined: time.Now(),
		sess:   s,
		apps:   make(map[string]control.AppStatusChanged),
	}
	c.mu.Lock()
	c.workers[h.ID] = h
	c.mu.Unlock()

	c.log.Info("worker joined", zap.String("worker", h.ID))
	c.pool.WorkerJoined(h)

	err := s.Serve(ctx, func(ctx context.Context, s *control.Session, m control.Message) {
		c.handle(ctx, h, m)
	})

	c.mu.Lock()
	delete(c.workers, h.ID)
	c.mu.Unlock()
	c.log.Info("worker left", zap.String("worker", h.ID), zap.Error(err))
	c.pool.WorkerLeft(h, err)
}

func (c *Coordinator) handle(ctx context.Context, h *WorkerHandle, m control.Message) {
	switch p := m.Payload.(type) {
	case control.CLIArgv:
		// the handler may take long; keep the read loop free
		go c.runCLI(ctx, h, m, p.Argv)
		return
	case control.AppStatusChanged:
		h.mu.Lock()
		h.apps[p.AppName] = p
		h.mu.Unlock()
	case control.GatewayCreated:
		h.mu.Lock()
		h.created = true
		h.mu.Unlock()
	case control.WorkerError:
		c.log.Error("worker reported fatal error", zap.String("worker", h.ID), zap.String("error", p.ErrorMessage))
	case control.WorkerRestart:
		c.log.Info("worker restarting", zap.String("worker", h.ID))
	case control.WorkerExit:
		c.log.Info("worker exiting", zap.String("worker", h.ID))
	}
	c.pool.WorkerEvent(h, m)
}

func (c *Coordinator) runCLI(ctx context.Context, h *WorkerHandle, req control.Message, argv []string) {
	var reply control.Payload
	if c.cli == nil {
		reply = control.Failure{Message: NotHandledMessage}
	} else if data, err := c.cli(ctx, argv); err != nil {
		reply = control.Failure{Message: err.Error()}
	} else {
		reply = control.Success{Data: data}
	}
	if err := h.sess.Reply(ctx, req, reply); err != nil {
		c.log.Warn("passCliArgv reply failed", zap.String("worker", h.ID), zap.Error(err))
	}
}

// Workers returns a snapshot of connected workers.
func (c *Coordinator) Workers() []*WorkerHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*WorkerHandle, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

// StartListen asks w to (re)start its listener on port. Port 0 lets the
// worker's OS pick one; the reply carries the bound address.
func (c *Coordinator) StartListen(ctx context.Context, w *WorkerHandle, host string, port int) (control.ListenStarted, error) {
	resp, err := w.sess.Call(ctx, control.New(control.StartListen{Port: port, Host: host}))
	if err != nil {
		return control.ListenStarted{}, fmt.Errorf("coordinator: startListen on %s: %w", w.ID, err)
	}
	ls, ok := resp.Payload.(control.ListenStarted)
	if !ok {
		return control.ListenStarted{}, fmt.Errorf("coordinator: startListen on %s: unexpected reply %q", w.ID, resp.Type())
	}
	w.mu.Lock()
	w.address = ls.Address
	w.mu.Unlock()
	return ls, nil
}

// RequestConnectionTags asks w which routing tags a connection carries.
func (c *Coordinator) RequestConnectionTags(ctx context.Context, w *WorkerHandle, connID string, req gateway.IncomingRequest) ([]string, error) {
	hdr := control.HeaderMap(req.Headers)
	if req.Host != "" {
		if hdr == nil {
			hdr = map[string]any{}
		}
		hdr["host"] = req.Host
	}
	resp, err := w.sess.Call(ctx, control.New(control.ConnectionTagsRequest{
		ID:      connID,
		URL:     req.URL,
		Headers: hdr,
	}))
	if err != nil {
		return nil, fmt.Errorf("coordinator: connection tags from %s: %w", w.ID, err)
	}
	tr, ok := resp.Payload.(control.ConnectionTagsResponse)
	if !ok {
		return nil, fmt.Errorf("coordinator: connection tags from %s: unexpected reply %q", w.ID, resp.Type())
	}
	return tr.Tags, nil
}

// Close stops accepting and drops every worker session.
func (c *Coordinator) Close() error {
	return c.srv.Close()
}
