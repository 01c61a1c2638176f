package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
)

var freezeReason string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the learning control record",
	RunE: withControl(func(cmd *cobra.Command, c *control.Controller, _ []string) (interface{}, error) {
		return c.GetOrCreate(cmd.Context())
	}),
}

var driftCheckCmd = &cobra.Command{
	Use:   "drift-check",
	Short: "Run the drift guard once",
	Long: `Aggregate ledger drift, degrade an active controller whose max drift
exceeds the threshold and refresh the health score.`,
	RunE: runDriftCheck,
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Stop all learning",
	RunE: withControl(func(cmd *cobra.Command, c *control.Controller, _ []string) (interface{}, error) {
		return c.Freeze(cmd.Context(), freezeReason, actor)
	}),
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze",
	Short: "Resume learning at the base rate",
	RunE: withControl(func(cmd *cobra.Command, c *control.Controller, _ []string) (interface{}, error) {
		return c.Unfreeze(cmd.Context(), actor)
	}),
}

var overrideRateCmd = &cobra.Command{
	Use:   "override-rate RATE",
	Short: "Pin the learning rate (clamped to the rate corridor)",
	Args:  cobra.ExactArgs(1),
	RunE: withControl(func(cmd *cobra.Command, c *control.Controller, args []string) (interface{}, error) {
		rate, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", args[0], err)
		}
		return c.OverrideRate(cmd.Context(), rate, actor)
	}),
}

var resetWeightsCmd = &cobra.Command{
	Use:   "reset-weights",
	Short: "Return every weight to its base and start a new learning epoch",
	RunE: withControl(func(cmd *cobra.Command, c *control.Controller, _ []string) (interface{}, error) {
		n, err := c.ResetAdaptiveWeights(cmd.Context(), actor)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"reset": n}, nil
	}),
}

func init() {
	freezeCmd.Flags().StringVar(&freezeReason, "reason", "manual freeze", "Reason recorded with the freeze")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(driftCheckCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(overrideRateCmd)
	rootCmd.AddCommand(resetWeightsCmd)
}

// withControl opens the app, runs fn against the controller and prints its result.
func withControl(fn func(*cobra.Command, *control.Controller, []string) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		out, err := fn(cmd, app.Control, args)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(w, out)
		}
		switch v := out.(type) {
		case control.LearningControl:
			printControl(w, v)
		case map[string]int64:
			fprintf(w, "reset %d weights\n", v["reset"])
		}
		return nil
	}
}

func runDriftCheck(cmd *cobra.Command, args []string) error {
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Control.CheckDriftGuard(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, report)
	}
	fprintf(w, "status:        %s\n", report.Status)
	fprintf(w, "healthy:       %t\n", report.Healthy)
	fprintf(w, "max drift:     %.4f\n", report.MaxDrift)
	fprintf(w, "avg drift:     %.4f\n", report.AvgDrift)
	fprintf(w, "frozen:        %d/%d (%.2f)\n", report.FrozenWeights, report.TotalWeights, report.FrozenRatio)
	fprintf(w, "health score:  %.3f\n", report.HealthScore)
	for _, warn := range report.Warnings {
		fprintf(w, "warning:       %s\n", warn)
	}
	return nil
}

func printControl(w io.Writer, lc control.LearningControl) {
	fprintf(w, "control:       %s (v%d)\n", lc.ControlID, lc.Version)
	fprintf(w, "status:        %s\n", lc.Status)
	if lc.StatusReason != "" {
		fprintf(w, "reason:        %s\n", lc.StatusReason)
	}
	fprintf(w, "rate:          %.5f (base %.5f, corridor [%.5f, %.5f])\n",
		lc.EffectiveLearningRate, lc.BaseLearningRate, lc.MinLearningRate, lc.MaxLearningRate)
	fprintf(w, "health score:  %.3f\n", lc.HealthScore)
	fprintf(w, "drift:         max %.4f avg %.4f (threshold %.4f)\n", lc.CurrentMaxDrift, lc.CurrentAvgDrift, lc.DriftThreshold)
	fprintf(w, "freezes:       %d (drift %d)\n", lc.TotalFreezeEvents, lc.DriftFreezeCount)
	if lc.Status == control.StatusManualOverride {
		fprintf(w, "override:      %.5f by %s at %s\n", lc.OverrideRate, lc.OverrideBy, formatTime(lc.OverrideAt))
	}
	fprintf(w, "epoch started: %s\n", formatTime(lc.EpochStartedAt))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
