package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
)

var (
	gateRunHorizon     string
	gateStatusHorizon  string
	gateHistoryHorizon string
	gateLimit          int
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Training readiness gate",
}

var gateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect metrics, evaluate and persist one gate run",
	Long: `Collect metrics from the decision engine and local stores, evaluate the
five readiness sections and both horizons, persist the run and set the
training permission. A collector failure revokes the permission.

Examples:
  safety-controller gate run --horizon 24h
  safety-controller gate run --horizon all`,
	RunE: runGateRun,
}

var gateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest gate status per horizon",
	RunE:  runGateStatus,
}

var gateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent gate runs",
	RunE:  runGateHistory,
}

func init() {
	gateRunCmd.Flags().StringVar(&gateRunHorizon, "horizon", "all", "Horizon: 24h, 7d or all")
	gateStatusCmd.Flags().StringVar(&gateStatusHorizon, "horizon", "all", "Horizon: 24h, 7d or all")
	gateHistoryCmd.Flags().StringVar(&gateHistoryHorizon, "horizon", "24h", "Horizon: 24h or 7d")
	gateHistoryCmd.Flags().IntVarP(&gateLimit, "limit", "n", 20, "Maximum number of runs to show")

	gateCmd.AddCommand(gateRunCmd)
	gateCmd.AddCommand(gateStatusCmd)
	gateCmd.AddCommand(gateHistoryCmd)
	rootCmd.AddCommand(gateCmd)
}

func horizons(s string) ([]gate.Horizon, error) {
	if s == "all" {
		return []gate.Horizon{gate.Horizon24h, gate.Horizon7d}, nil
	}
	h, err := gate.ParseHorizon(s)
	if err != nil {
		return nil, fmt.Errorf("horizon %q: %w", s, err)
	}
	return []gate.Horizon{h}, nil
}

func runGateRun(cmd *cobra.Command, args []string) error {
	hs, err := horizons(gateRunHorizon)
	if err != nil {
		return err
	}
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	var results []gate.CheckResult
	for _, h := range hs {
		res, err := app.Gate.Run(cmd.Context(), h)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, results)
	}
	for _, r := range results {
		printCheckResult(w, r)
	}
	return nil
}

type gateStatusRow struct {
	Horizon         gate.Horizon `json:"horizon"`
	Status          gate.Status  `json:"status"`
	TrainingAllowed bool         `json:"training_allowed"`
}

func runGateStatus(cmd *cobra.Command, args []string) error {
	hs, err := horizons(gateStatusHorizon)
	if err != nil {
		return err
	}
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	rows := make([]gateStatusRow, 0, len(hs))
	for _, h := range hs {
		st, err := app.Gate.Status(cmd.Context(), h)
		if err != nil {
			return err
		}
		allowed, err := app.Gate.IsTrainingAllowed(cmd.Context(), h)
		if err != nil {
			return err
		}
		rows = append(rows, gateStatusRow{Horizon: h, Status: st, TrainingAllowed: allowed})
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, rows)
	}
	for _, r := range rows {
		fprintf(w, "%-4s %-12s training_allowed=%t\n", r.Horizon, r.Status, r.TrainingAllowed)
	}
	return nil
}

func runGateHistory(cmd *cobra.Command, args []string) error {
	h, err := gate.ParseHorizon(gateHistoryHorizon)
	if err != nil {
		return fmt.Errorf("horizon %q: %w", gateHistoryHorizon, err)
	}
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	runs, err := app.Gate.History(cmd.Context(), h, gateLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, runs)
	}
	if len(runs) == 0 {
		fprintf(w, "no gate runs for %s\n", h)
		return nil
	}
	fprintf(w, "%-36s  %-12s  %-8s  %-20s  %s\n", "Run", "Status", "Allowed", "Time", "Reason")
	for _, r := range runs {
		fprintf(w, "%-36s  %-12s  %-8t  %-20s  %s\n",
			r.RunID, r.Status, r.TrainingAllowed, formatTime(r.CreatedAt), r.Reason())
	}
	return nil
}

func printCheckResult(w io.Writer, r gate.CheckResult) {
	fprintf(w, "run %s (%s): %s training_allowed=%t\n", r.RunID, r.Horizon, r.Status, r.TrainingAllowed)
	for _, s := range r.Sections {
		mark := "ok"
		if !s.Passed {
			mark = "FAIL"
		}
		fprintf(w, "  %-10s %s\n", s.Name, mark)
		for _, reason := range s.Reasons {
			fprintf(w, "    - %s\n", reason)
		}
	}
	for _, h := range []gate.Horizon{gate.Horizon24h, gate.Horizon7d} {
		hr, ok := r.Horizons[h]
		if !ok {
			continue
		}
		fprintf(w, "  horizon %-4s passed=%t\n", h, hr.Passed)
		for _, reason := range hr.Reasons {
			fprintf(w, "    - %s\n", reason)
		}
	}
}
