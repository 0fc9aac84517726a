package serverfx

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/bundlefx"
	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"github.com/joeydtaylor/steeze-gateway/pkg/coordinator"
	"github.com/joeydtaylor/steeze-gateway/pkg/core"
	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
	"github.com/joeydtaylor/steeze-gateway/pkg/gateway/wshub"
	"github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Options allow per-service env keys/defaults without code duplication.
type Options struct {
	Service         string // "gateway", used in log fields
	ManifestEnv     string // e.g. "GATEWAY_MANIFEST"
	DefaultManifest string // e.g. "manifest.toml"
	WatchManifest   bool   // reload apps and rules when the manifest changes

	// Booter replaces the manifest catalog as the registry's app factory.
	Booter registry.Booter
	// Static serves non-API paths. Defaults to gateway.static_dir when set.
	Static http.Handler
}

func (o Options) manifestPath() string {
	return envOr(o.ManifestEnv, o.DefaultManifest)
}

func provideConfig(o Options) (manifest.Config, error) {
	return core.LoadConfig(o.manifestPath())
}

func provideCatalog(cfg manifest.Config, a *auth.Middleware, log *zap.Logger) *core.Catalog {
	return core.NewCatalog(cfg, a, log.Named("catalog"))
}

// ---- Registry ----

type registryDeps struct {
	fx.In

	Opts    Options
	Cfg     manifest.Config
	Catalog *core.Catalog
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

func provideRegistry(lc fx.Lifecycle, d registryDeps) *registry.Registry {
	var b registry.Booter = d.Catalog
	if d.Opts.Booter != nil {
		b = d.Opts.Booter
	}
	rc := d.Cfg.Registry
	r := registry.New(b,
		registry.WithLogger(d.Log.Named("registry")),
		registry.WithCooldown(ms(rc.CooldownMS), ms(rc.CooldownMaxMS)),
		registry.WithBootTimeout(ms(rc.BootTimeoutMS)),
	)
	unsub := r.Subscribe(d.Metrics.ObserveApp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			unsub()
			return r.Close(ctx)
		},
	})
	return r
}

// ---- Gateway ----

type gatewayDeps struct {
	fx.In

	Opts Options
	Cfg  manifest.Config
	Reg  *registry.Registry
	Log  *zap.Logger
}

func provideGateway(d gatewayDeps) *gateway.Gateway {
	gc := d.Cfg.Gateway
	static := d.Opts.Static
	if static == nil && gc.StaticDir != "" {
		static = http.FileServer(http.Dir(gc.StaticDir))
	}
	gw := gateway.New(d.Reg, d.Log.Named("gateway"), gateway.WithOptions(gateway.Options{
		DefaultApp:   gc.DefaultApp,
		APIPrefix:    gc.APIPrefix,
		HealthSuffix: gc.HealthSuffix,
		WSPath:       gc.WSPath,
		BootWait:     ms(gc.BootWaitMS),
		Static:       static,
		TLSCert:      d.Cfg.Server.TLSCert,
		TLSKey:       d.Cfg.Server.TLSKey,
	}))
	applySelector(gw, d.Cfg.Rules)
	return gw
}

// applySelector installs the manifest rules in front of the header/query
// default, or restores the default when there are none.
func applySelector(gw *gateway.Gateway, rules []manifest.Rule) {
	if len(rules) == 0 {
		gw.Reset()
		return
	}
	gw.SetSelector(manifest.RuleSelector(rules, gateway.DefaultSelector))
}

func provideHub(lc fx.Lifecycle, cfg manifest.Config, gw *gateway.Gateway, reg *registry.Registry, log *zap.Logger) *wshub.Hub {
	h := wshub.New(gw, wshub.Options{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         log.Named("wshub"),
	})
	detach := h.Attach(reg)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			detach()
			h.Close()
			return nil
		},
	})
	return h
}

// ---- Router ----

type routerDeps struct {
	fx.In

	Cfg     manifest.Config
	AuthMW  *auth.Middleware
	LogMW   *logger.Middleware
	Metrics *metrics.Metrics
	R       httpx.Router
	Gateway *gateway.Gateway
}

func provideRouter(d routerDeps) http.Handler {
	h := core.BuildRouter(d.Cfg, core.BuildDeps{
		Auth:    d.AuthMW,
		LogMW:   d.LogMW,
		Metrics: d.Metrics,
		Router:  d.R,
		Gateway: d.Gateway,
	})
	d.Gateway.SetHandler(h)
	return h
}

// ---- Runtime ----

// Runtime is the running gateway process. In worker mode it answers the
// supervisor; otherwise it listens on the manifest's host and port.
type Runtime struct {
	Config   manifest.Config
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Hub      *wshub.Hub

	opts    Options
	catalog *core.Catalog
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	worker *coordinator.Worker
	cancel context.CancelFunc
}

// Mode reports how the process is running right now.
func (rt *Runtime) Mode() coordinator.Mode {
	rt.mu.Lock()
	w := rt.worker
	rt.mu.Unlock()
	if w == nil {
		return coordinator.ModeStandalone
	}
	return w.Mode()
}

// ReportExit tells a supervisor, if any, why the process is about to exit.
func (rt *Runtime) ReportExit(code int) {
	rt.mu.Lock()
	w := rt.worker
	rt.mu.Unlock()
	if w != nil {
		w.ReportExit(code)
	}
}

// ReportFatal tells a supervisor, if any, that the process is dying of err.
func (rt *Runtime) ReportFatal(err error) {
	rt.mu.Lock()
	w := rt.worker
	rt.mu.Unlock()
	if w != nil {
		w.ReportFatal(err)
	}
}

// Reload applies a changed manifest: app definitions for future boots and
// the routing rules. Listener and middleware settings need a restart.
func (rt *Runtime) Reload(cfg manifest.Config) {
	rt.catalog.SetApps(cfg.Apps)
	applySelector(rt.Gateway, cfg.Rules)
	rt.log.Info("manifest applied", zap.Int("apps", len(cfg.Apps)), zap.Int("rules", len(cfg.Rules)))
}

// guard is deferred at the top of goroutines the runtime owns. A panic there
// would kill the process without a word to the supervisor, so it is reported
// first and then allowed to continue.
func (rt *Runtime) guard(where string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("%s: panic: %v", where, r)
	rt.log.Error("runtime goroutine panicked", zap.String("where", where), zap.Any("panic", r))
	rt.ReportFatal(err)
	panic(r)
}

type runtimeDeps struct {
	fx.In

	Opts    Options
	Cfg     manifest.Config
	Gateway *gateway.Gateway
	Reg     *registry.Registry
	Hub     *wshub.Hub
	Catalog *core.Catalog
	Metrics *metrics.Metrics
	Log     *zap.Logger
	App     http.Handler `name:"app"`
}

func provideRuntime(lc fx.Lifecycle, d runtimeDeps) *Runtime {
	rt := &Runtime{
		Config:   d.Cfg,
		Gateway:  d.Gateway,
		Registry: d.Reg,
		Hub:      d.Hub,
		opts:     d.Opts,
		catalog:  d.Catalog,
		metrics:  d.Metrics,
		log:      d.Log,
	}
	lc.Append(fx.Hook{
		OnStart: rt.start,
		OnStop:  rt.stop,
	})
	return rt
}

func (rt *Runtime) start(startCtx context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	srv := rt.Config.Server

	sess, mode := coordinator.Detect(startCtx, srv.Socket, rt.log,
		control.WithLogger(rt.log.Named("control")),
		control.WithMessageHook(rt.metrics.ControlHook),
	)
	w := coordinator.NewWorker(sess, rt.Gateway, rt.Registry, rt.log.Named("worker"),
		coordinator.WithListenHost(srv.Host),
	)

	rt.mu.Lock()
	rt.worker = w
	rt.cancel = cancel
	rt.mu.Unlock()

	rt.log.Info("server starting",
		zap.String("service", rt.opts.Service),
		zap.String("mode", mode.String()),
		zap.Strings("handlers", core.Registered()),
	)

	if mode == coordinator.ModeWorker {
		go func() {
			defer rt.guard("worker session")
			_ = w.Run(ctx)
			// a supervisor that vanished before assigning a port leaves us
			// with nothing to serve; fall back to the manifest address
			if ctx.Err() == nil && !rt.Gateway.Listening() {
				if _, err := rt.Gateway.Start(ctx, srv.Host, srv.Port); err != nil {
					rt.log.Error("standalone fallback listen failed", zap.Error(err))
				}
			}
		}()
	} else if _, err := rt.Gateway.Start(startCtx, srv.Host, srv.Port); err != nil {
		cancel()
		return err
	}

	if rt.opts.WatchManifest {
		path := rt.opts.manifestPath()
		reload := func(cfg manifest.Config) {
			defer rt.guard("manifest reload")
			rt.Reload(cfg)
		}
		if err := manifest.Watch(ctx, path, rt.log.Named("manifest"), reload); err != nil {
			rt.log.Warn("manifest watch disabled", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (rt *Runtime) stop(ctx context.Context) error {
	rt.log.Info("server stopping", zap.String("service", rt.opts.Service))
	rt.mu.Lock()
	w, cancel := rt.worker, rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if w != nil {
		_ = w.Close()
	}
	return rt.Gateway.Close(ctx)
}

// ---- Public Fx module ----

func Module(opts Options) fx.Option {
	return fx.Options(
		// Supply options to DI.
		fx.Supply(opts),
		fx.Provide(provideConfig),

		// Loggers, identity, metrics
		bundlefx.Module,

		// Router implementation
		fx.Provide(httpx.NewChi),

		// Tenant lifecycle + gateway
		fx.Provide(
			provideCatalog,
			provideRegistry,
			provideGateway,
			provideHub,
		),

		// Router (named "app")
		fx.Provide(
			fx.Annotate(
				provideRouter,
				fx.ResultTags(`name:"app"`),
			),
		),

		// Process lifecycle (coordinator detection + listener)
		fx.Provide(provideRuntime),
		fx.Invoke(func(*Runtime) {}),
	)
}

// ---- helpers ----

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
