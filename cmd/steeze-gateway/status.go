package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/coordinator"
	"github.com/joeydtaylor/steeze-gateway/pkg/core"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker and tenant status from a running supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifestPath
		if v := os.Getenv("GATEWAY_MANIFEST"); v != "" {
			path = v
		}
		cfg, err := core.LoadConfig(path)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		argv := append([]string{"status"}, args...)
		handled, data, err := coordinator.RelayCLI(ctx, cfg.Server.Socket, argv, zap.NewNop())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if handled {
			return enc.Encode(data)
		}

		// no supervisor: report what this manifest would serve
		apps := make([]string, 0, len(cfg.Apps))
		for _, a := range cfg.Apps {
			apps = append(apps, a.Name)
		}
		return enc.Encode(map[string]any{
			"supervisor": false,
			"apps":       apps,
			"listen":     cfg.Server.Host,
			"port":       cfg.Server.Port,
		})
	},
}
