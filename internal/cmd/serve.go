package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller service",
	Long: `Run the gRPC controller service, the admin listener (/metrics, /healthz)
and the periodic drift guard, readiness gate and shadow sweep jobs.

Gate and shadow jobs need server.engine_addr.

Examples:
  safety-controller serve --config safety.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx)
}
