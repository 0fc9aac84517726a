package main

import (
	"os"
	"runtime"

	"github.com/joeydtaylor/steeze-gateway/pkg/serverfx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var superviseWorkers int

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run a coordinator that keeps a pool of gateway workers alive",
	RunE: func(cmd *cobra.Command, _ []string) error {
		self, err := os.Executable()
		if err != nil {
			return err
		}
		app := fx.New(
			serverfx.SupervisorModule(serverfx.SupervisorOptions{
				Options: serverfx.Options{
					Service:         "supervisor",
					ManifestEnv:     "GATEWAY_MANIFEST",
					DefaultManifest: manifestPath,
				},
				Workers:    superviseWorkers,
				WorkerArgv: []string{self, "start", "--manifest", manifestPath},
			}),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log.Named("fx")}
			}),
		)
		app.Run()
		return app.Err()
	},
}

func init() {
	superviseCmd.Flags().IntVar(&superviseWorkers, "workers", runtime.NumCPU(), "Worker processes to keep running")
}
