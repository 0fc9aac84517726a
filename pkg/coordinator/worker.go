package coordinator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"go.uber.org/zap"
)

var sendTimeout = 5 * time.Second

// Gateway is what a worker drives on behalf of its supervisor.
type Gateway interface {
	ConnectionTags(ctx context.Context, req gateway.IncomingRequest) []string
	Start(ctx context.Context, host string, port int) (net.Addr, error)
	OnSelectorChanged(fn func()) (unsubscribe func())
}

// Events is the registry's change feed.
type Events interface {
	Subscribe(fn func(registry.Event)) (unsubscribe func())
}

type WorkerOption func(*Worker)

// WithListenHost is the host bound when startListen names none.
func WithListenHost(h string) WorkerOption { return func(w *Worker) { w.host = h } }

// WithListenHook observes every listener started for the supervisor.
func WithListenHook(fn func(net.Addr)) WorkerOption { return func(w *Worker) { w.onListen = fn } }

// Worker is the managed side of a control session. A Worker built without a
// session is standalone and every report is a no-op.
type Worker struct {
	sess     *control.Session
	gw       Gateway
	events   Events
	log      *zap.Logger
	host     string
	onListen func(net.Addr)

	mode atomic.Int32

	mu    sync.Mutex
	unsub []func()
}

func NewWorker(sess *control.Session, gw Gateway, events Events, log *zap.Logger, opts ...WorkerOption) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{sess: sess, gw: gw, events: events, log: log}
	for _, o := range opts {
		o(w)
	}
	if sess != nil {
		w.mode.Store(int32(ModeWorker))
	}
	return w
}

func (w *Worker) Mode() Mode { return Mode(w.mode.Load()) }

// Run announces the gateway, relays local changes upward and answers the
// supervisor until the channel or ctx ends. Losing the channel degrades the
// worker to standalone; it is never an error for the caller.
func (w *Worker) Run(ctx context.Context) error {
	if w.Mode() != ModeWorker {
		return nil
	}
	w.subscribe()
	defer w.unsubscribe()

	w.send(control.New(control.NeedRefreshTags{}))
	w.send(control.New(control.GatewayCreated{}))

	err := w.sess.Serve(ctx, w.handle)
	w.mode.Store(int32(ModeStandalone))
	if ctx.Err() == nil {
		w.log.Warn("coordinator channel lost; continuing standalone", zap.Error(err))
	}
	return nil
}

func (w *Worker) subscribe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.events != nil {
		w.unsub = append(w.unsub, w.events.Subscribe(w.relayStatus))
	}
	if w.gw != nil {
		w.unsub = append(w.unsub, w.gw.OnSelectorChanged(func() {
			w.send(control.New(control.NeedRefreshTags{}))
		}))
	}
}

func (w *Worker) unsubscribe() {
	w.mu.Lock()
	fns := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *Worker) relayStatus(ev registry.Event) {
	w.send(control.New(control.AppStatusChanged{
		AppName:        ev.Key,
		WorkingMessage: ev.WorkingMessage,
		Status:         ev.Status.String(),
	}))
}

func (w *Worker) send(m control.Message) {
	if w.Mode() != ModeWorker {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := w.sess.Send(ctx, m); err != nil {
		w.log.Debug("control send failed", zap.String("type", string(m.Type())), zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, s *control.Session, m control.Message) {
	switch p := m.Payload.(type) {
	case control.ConnectionTagsRequest:
		hdr := p.HTTPHeader()
		req := gateway.IncomingRequest{URL: p.URL, Host: hdr.Get("Host"), Headers: hdr}
		tags := w.gw.ConnectionTags(ctx, req)
		w.reply(s, m, control.ConnectionTagsResponse{ConnectionID: p.ID, Tags: tags})

	case control.StartListen:
		host := p.Host
		if host == "" {
			host = w.host
		}
		lctx, cancel := context.WithTimeout(ctx, sendTimeout)
		addr, err := w.gw.Start(lctx, host, p.Port)
		cancel()
		if err != nil {
			w.log.Error("startListen failed", zap.Int("port", p.Port), zap.Error(err))
			w.reply(s, m, control.Failure{Message: err.Error()})
			return
		}
		if w.onListen != nil {
			w.onListen(addr)
		}
		out := control.ListenStarted{Address: addr.String()}
		if tcp, ok := addr.(*net.TCPAddr); ok {
			out.Port = tcp.Port
		}
		w.reply(s, m, out)

	default:
		w.log.Debug("control message ignored", zap.String("type", string(m.Type())))
	}
}

// reply is bounded on its own; the serve context never expires while the
// channel is up.
func (w *Worker) reply(s *control.Session, req control.Message, p control.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.Reply(ctx, req, p); err != nil {
		w.log.Warn("control reply failed", zap.String("type", string(p.Kind())), zap.Error(err))
	}
}

// ReportFatal tells the supervisor this worker is about to die of err.
func (w *Worker) ReportFatal(err error) {
	if err == nil {
		return
	}
	w.send(control.New(control.WorkerError{ErrorMessage: err.Error()}))
}

// ReportExit announces a normal exit. RestartExitCode asks for a replacement.
func (w *Worker) ReportExit(code int) {
	if code == RestartExitCode {
		w.send(control.New(control.WorkerRestart{}))
		return
	}
	w.send(control.New(control.WorkerExit{}))
}

// Close ends the control session; serving is unaffected.
func (w *Worker) Close() error {
	if w.sess == nil {
		return nil
	}
	return w.sess.Close()
}
