package serverfx

import (
	"context"
	"errors"
	"sort"

	"github.com/joeydtaylor/steeze-gateway/pkg/bundlefx"
	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"github.com/joeydtaylor/steeze-gateway/pkg/coordinator"
	"github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SupervisorOptions configure the coordinator process.
type SupervisorOptions struct {
	Options

	Workers    int      // worker processes to keep alive
	WorkerArgv []string // how to start one worker; inherits the socket via env
}

// WorkerStatus is one row of the `status` command.
type WorkerStatus struct {
	ID      string            `json:"id"`
	Address string            `json:"address,omitempty"`
	Ready   bool              `json:"ready"`
	Apps    map[string]string `json:"apps,omitempty"`
}

// StatusCommand answers relayed CLI invocations from the coordinator's view
// of its workers. Anything but `status` is left to the caller.
func StatusCommand(c func() *coordinator.Coordinator) coordinator.CLIHandler {
	return func(_ context.Context, argv []string) (any, error) {
		if len(argv) == 0 || argv[0] != "status" {
			return nil, errors.New(coordinator.NotHandledMessage)
		}
		out := []WorkerStatus{}
		for _, w := range c().Workers() {
			ws := WorkerStatus{ID: w.ID, Address: w.Address(), Ready: w.GatewayCreated(), Apps: map[string]string{}}
			for name, st := range w.Apps() {
				ws.Apps[name] = st.Status
			}
			out = append(out, ws)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
}

type supervisorDeps struct {
	fx.In

	Opts SupervisorOptions
	Cfg  manifest.Config
	Log  *zap.Logger
}

func provideCoordinator(lc fx.Lifecycle, d supervisorDeps) (*coordinator.Coordinator, *coordinator.ProcessPool, error) {
	cfg := d.Cfg
	if cfg.Server.Socket == "" {
		return nil, nil, errors.New("serverfx: supervisor needs server.socket or GATEWAY_SOCKET_PATH")
	}
	if len(d.Opts.WorkerArgv) == 0 {
		return nil, nil, errors.New("serverfx: supervisor needs a worker command")
	}
	srv, err := control.Listen(cfg.Server.Socket, d.Log.Named("control"))
	if err != nil {
		return nil, nil, err
	}

	pool := &coordinator.ProcessPool{
		Size:     d.Opts.Workers,
		Command:  d.Opts.WorkerArgv,
		Env:      []string{"GATEWAY_SOCKET_PATH=" + cfg.Server.Socket},
		Host:     cfg.Server.Host,
		BasePort: cfg.Server.Port,
		Log:      d.Log.Named("pool"),
	}
	var c *coordinator.Coordinator
	c = coordinator.NewCoordinator(srv, pool, StatusCommand(func() *coordinator.Coordinator { return c }), d.Log.Named("coordinator"))
	pool.Attach(c)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := c.Serve(ctx); err != nil && ctx.Err() == nil {
					d.Log.Error("control server stopped", zap.Error(err))
				}
			}()
			d.Log.Info("supervisor starting",
				zap.String("socket", cfg.Server.Socket),
				zap.Int("workers", pool.Size),
			)
			return pool.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			err := c.Close()
			if perr := pool.Stop(stopCtx); perr != nil {
				d.Log.Warn("workers still running at shutdown", zap.Int("running", pool.Running()), zap.Error(perr))
			}
			return err
		},
	})
	return c, pool, nil
}

// SupervisorModule runs the coordinator side: the control socket and a pool
// of worker processes, each running Module.
func SupervisorModule(opts SupervisorOptions) fx.Option {
	return fx.Options(
		fx.Supply(opts),
		fx.Provide(
			func(o SupervisorOptions) (manifest.Config, error) { return provideConfig(o.Options) },
			bundlefx.LogConfig,
			provideCoordinator,
		),
		logger.Module,
		fx.Invoke(func(*coordinator.Coordinator) {}),
	)
}
