package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var manifestPath string

var rootCmd = &cobra.Command{
	Use:           "steeze-gateway",
	Short:         "Multi-tenant application gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode carries a deliberate process exit status out of a command.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func init() {
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "manifest.toml", "Gateway manifest (overridden by GATEWAY_MANIFEST)")
	rootCmd.AddCommand(startCmd, superviseCmd, statusCmd)
}

func main() {
	err := rootCmd.Execute()
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
