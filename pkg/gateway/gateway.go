// pkg/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
	"go.uber.org/zap"
)

// Apps is the slice of the app registry the gateway consults per request.
type Apps interface {
	Status(key string, def registry.Status) registry.Status
	Get(key string) (registry.Record, bool)
	Instance(key string) (registry.Instance, bool)
	Trigger(key string) bool
	EnsureBooted(ctx context.Context, key string) (registry.Instance, error)
}

type Options struct {
	DefaultApp   string        // tenant used when the selector yields nothing
	APIPrefix    string        // paths routed to tenants
	HealthSuffix string        // liveness probe, answered by the gateway itself
	WSPath       string        // the only accepted upgrade path
	BootWait     time.Duration // bounded wait on an initializing tenant; 0 answers at once
	Static       http.Handler  // everything outside APIPrefix
	TLSCert      string
	TLSKey       string
}

type Option func(*Options)

func WithDefaultApp(k string) Option        { return func(o *Options) { o.DefaultApp = k } }
func WithAPIPrefix(p string) Option         { return func(o *Options) { o.APIPrefix = p } }
func WithHealthSuffix(s string) Option      { return func(o *Options) { o.HealthSuffix = s } }
func WithWSPath(p string) Option            { return func(o *Options) { o.WSPath = p } }
func WithBootWait(d time.Duration) Option   { return func(o *Options) { o.BootWait = d } }
func WithStatic(h http.Handler) Option      { return func(o *Options) { o.Static = h } }
func WithTLS(cert, key string) Option       { return func(o *Options) { o.TLSCert, o.TLSKey = cert, key } }
func WithOptions(src Options) Option        { return func(o *Options) { mergeOptions(o, src) } }

func defaultOptions() Options {
	return Options{
		DefaultApp:   "main",
		APIPrefix:    "/api",
		HealthSuffix: "/__health_check",
		WSPath:       "/ws",
	}
}

func mergeOptions(dst *Options, src Options) {
	if src.DefaultApp != "" {
		dst.DefaultApp = src.DefaultApp
	}
	if src.APIPrefix != "" {
		dst.APIPrefix = src.APIPrefix
	}
	if src.HealthSuffix != "" {
		dst.HealthSuffix = src.HealthSuffix
	}
	if src.WSPath != "" {
		dst.WSPath = src.WSPath
	}
	if src.BootWait > 0 {
		dst.BootWait = src.BootWait
	}
	if src.Static != nil {
		dst.Static = src.Static
	}
	if src.TLSCert != "" {
		dst.TLSCert, dst.TLSKey = src.TLSCert, src.TLSKey
	}
}

// Gateway is the network front door: it resolves a tenant per request and
// dispatches to that tenant's running instance or answers with a coded error.
type Gateway struct {
	apps Apps
	log  *zap.Logger
	opts Options

	selector atomic.Pointer[Selector]
	upgrade  atomic.Pointer[http.Handler]
	handler  atomic.Pointer[http.Handler]

	subMu  sync.RWMutex
	subs   map[uint64]func()
	nextID uint64

	srvMu     sync.Mutex
	srv       *http.Server
	addr      atomic.Value // net.Addr
	listening atomic.Bool
}

func New(apps Apps, log *zap.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	g := &Gateway{
		apps: apps,
		log:  log,
		opts: o,
		subs: make(map[uint64]func()),
	}
	sel := Selector(DefaultSelector)
	g.selector.Store(&sel)
	return g
}

func (g *Gateway) Options() Options { return g.opts }

// SetSelector swaps the active selector. Resolutions already in progress keep
// the selector they loaded; later requests see the new one.
func (g *Gateway) SetSelector(s Selector) {
	if s == nil {
		s = DefaultSelector
	}
	g.selector.Store(&s)
	g.log.Info("app selector changed")
	g.notifySelectorChanged()
}

// Reset restores the default selector.
func (g *Gateway) Reset() { g.SetSelector(DefaultSelector) }

// OnSelectorChanged registers fn for selector swaps.
func (g *Gateway) OnSelectorChanged(fn func()) (unsubscribe func()) {
	g.subMu.Lock()
	g.nextID++
	id := g.nextID
	g.subs[id] = fn
	g.subMu.Unlock()
	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}

func (g *Gateway) notifySelectorChanged() {
	g.subMu.RLock()
	fns := make([]func(), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// ResolveApp runs the active selector; failures fall back to DefaultApp.
func (g *Gateway) ResolveApp(ctx context.Context, req IncomingRequest) string {
	sel := *g.selector.Load()
	key, err := sel(ctx, req)
	if err != nil {
		g.log.Debug("app selector failed; using default app", zap.Error(err), zap.String("url", req.URL))
	}
	if err != nil || key == "" {
		return g.opts.DefaultApp
	}
	return key
}

// ConnectionTags are the routing tags a coordinator attaches to a connection.
func (g *Gateway) ConnectionTags(ctx context.Context, req IncomingRequest) []string {
	return []string{"app:" + g.ResolveApp(ctx, req)}
}

// SetUpgradeHandler installs the socket-message hub for the WebSocket path.
func (g *Gateway) SetUpgradeHandler(h http.Handler) {
	if h == nil {
		g.upgrade.Store(nil)
		return
	}
	g.upgrade.Store(&h)
}

// SetHandler sets the outer handler (middleware chain) served by the
// listener. Without it the listener serves the gateway directly.
func (g *Gateway) SetHandler(h http.Handler) {
	if h == nil {
		g.handler.Store(nil)
		return
	}
	g.handler.Store(&h)
}

func (g *Gateway) serving() http.Handler {
	if h := g.handler.Load(); h != nil {
		return *h
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if isUpgrade(r) {
		g.serveUpgrade(w, r)
		return
	}

	if g.opts.HealthSuffix != "" && strings.HasSuffix(path, g.opts.HealthSuffix) {
		g.serveHealth(w)
		return
	}

	if !hasPathPrefix(path, g.opts.APIPrefix) {
		g.serveStatic(w, r)
		return
	}

	g.dispatch(w, r)
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := g.ResolveApp(ctx, FromHTTP(r))
	httpx.SetTenant(ctx, key)
	log := g.requestLogger(r, key)

	switch g.apps.Status(key, registry.NotFound) {
	case registry.Running:
		if inst, ok := g.apps.Instance(key); ok {
			inst.ServeHTTP(w, r)
			return
		}
		// shut down between the status read and the lookup
		g.respondRecord(w, key)

	case registry.Initializing:
		if g.opts.BootWait > 0 {
			wctx, cancel := context.WithTimeout(ctx, g.opts.BootWait)
			inst, err := g.apps.EnsureBooted(wctx, key)
			cancel()
			if err == nil {
				inst.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				log.Debug("boot wait ended with error", zap.Error(err))
			}
		}
		g.respondRecord(w, key)

	case registry.Error:
		g.respondRecord(w, key)

	default: // NotFound, Stopped
		started := g.apps.Trigger(key)
		log.Debug("app not running", zap.Bool("bootTriggered", started))
		writeError(w, ErrorWithCode(CodeAppNotFound, key))
	}
}

func (g *Gateway) respondRecord(w http.ResponseWriter, key string) {
	rec, ok := g.apps.Get(key)
	if !ok {
		writeError(w, ErrorWithCode(CodeAppNotFound, key))
		return
	}
	writeError(w, ErrorForRecord(rec))
}

func (g *Gateway) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !g.listening.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not listening"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) {
	if g.opts.Static != nil {
		g.opts.Static.ServeHTTP(w, r)
		return
	}
	writeError(w, ErrorWithCode(CodeNotFound, r.URL.Path))
}

func (g *Gateway) requestLogger(r *http.Request, app string) *zap.Logger {
	reqID := chimd.GetReqID(r.Context())
	if reqID == "" {
		reqID = uuid.NewString()
	}
	return g.log.With(zap.String("app", app), zap.String("reqId", reqID))
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimRight(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
