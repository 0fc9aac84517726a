package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/coordinator"
	"github.com/joeydtaylor/steeze-gateway/pkg/serverfx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var (
	startWatch   bool
	startTimeout time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the gateway (standalone, or as a worker when a supervisor socket answers)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var rt *serverfx.Runtime
		defer func() {
			if r := recover(); r != nil {
				if rt != nil {
					rt.ReportFatal(fmt.Errorf("panic: %v", r))
				}
				panic(r)
			}
		}()
		app := fx.New(
			serverfx.Module(serverfx.Options{
				Service:         "gateway",
				ManifestEnv:     "GATEWAY_MANIFEST",
				DefaultManifest: manifestPath,
				WatchManifest:   startWatch,
			}),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log.Named("fx")}
			}),
			fx.Populate(&rt),
		)

		ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			if rt != nil {
				rt.ReportFatal(err)
			}
			return err
		}

		// SIGHUP asks the supervisor for a fresh worker
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)
		code := 0
		if <-sigs == syscall.SIGHUP {
			code = coordinator.RestartExitCode
		}
		rt.ReportExit(code)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			return err
		}
		if code != 0 {
			return exitCode(code)
		}
		return nil
	},
}

func init() {
	startCmd.Flags().BoolVar(&startWatch, "watch", false, "Reload apps and routing rules when the manifest changes")
	startCmd.Flags().DurationVar(&startTimeout, "timeout", 30*time.Second, "Start and stop timeout")
}
