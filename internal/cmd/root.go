// Package cmd is the safety controller's command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/server"
)

var (
	configPath string
	jsonOut    bool
	actor      string
)

var rootCmd = &cobra.Command{
	Use:   "safety-controller",
	Short: "Safety and control plane for adaptive weights",
	Long: `safety-controller governs an adaptive scoring engine:
  - bounded per-key weights with a freeze breaker
  - a global learning controller (rate decay, drift guard, freeze)
  - a 24h/7d training readiness gate
  - a shadow kill switch comparing the current engine to a reference`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("SAFETY_CONFIG", "safety.yaml"), "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&actor, "by", envOr("USER", "cli"), "Operator recorded in the audit log")
}

// #region helpers
// openApp loads the config and builds every component against its database.
func openApp(cmd *cobra.Command) (*server.App, *config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	app, err := server.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
