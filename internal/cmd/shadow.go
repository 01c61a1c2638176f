package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

var (
	shadowWindow string
	shadowLimit  int
)

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Shadow comparison and kill switch",
}

var shadowCompareCmd = &cobra.Command{
	Use:   "compare SUBJECT...",
	Short: "Compare reference and current engine decisions for subjects",
	Long: `Ask both engines about each subject and persist one snapshot per
subject. Without arguments the configured shadow.subjects are used.`,
	RunE: runShadowCompare,
}

var shadowCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the rolling window and persist a verdict",
	RunE:  runShadowCheck,
}

var shadowVerdictCmd = &cobra.Command{
	Use:   "verdict",
	Short: "Show the latest kill switch verdict",
	RunE:  runShadowVerdict,
}

var shadowSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List recent comparison snapshots",
	RunE:  runShadowSnapshots,
}

func init() {
	shadowCmd.PersistentFlags().StringVar(&shadowWindow, "window", "", "Window name (default: shadow.window from config)")
	shadowSnapshotsCmd.Flags().IntVarP(&shadowLimit, "limit", "n", 20, "Maximum number of snapshots to show")

	shadowCmd.AddCommand(shadowCompareCmd)
	shadowCmd.AddCommand(shadowCheckCmd)
	shadowCmd.AddCommand(shadowVerdictCmd)
	shadowCmd.AddCommand(shadowSnapshotsCmd)
	rootCmd.AddCommand(shadowCmd)
}

func windowOr(configured string) string {
	if shadowWindow != "" {
		return shadowWindow
	}
	return configured
}

func runShadowCompare(cmd *cobra.Command, args []string) error {
	app, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	subjects := args
	if len(subjects) == 0 {
		subjects = cfg.Shadow.Subjects
	}
	window := windowOr(cfg.Shadow.Window)

	var snaps []shadow.Snapshot
	for _, s := range subjects {
		snap, err := app.KillSwitch.Compare(cmd.Context(), s, window)
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, snaps)
	}
	printSnapshots(w, snaps)
	return nil
}

func runShadowCheck(cmd *cobra.Command, args []string) error {
	app, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ev, err := app.KillSwitch.Check(cmd.Context(), windowOr(cfg.Shadow.Window))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, ev)
	}
	printEvaluation(w, ev)
	return nil
}

func runShadowVerdict(cmd *cobra.Command, args []string) error {
	app, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	window := windowOr(cfg.Shadow.Window)
	ev, err := app.KillSwitch.LatestEvaluation(cmd.Context(), window)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if ev == nil {
		if jsonOut {
			return printJSON(w, map[string]string{"window": window, "verdict": string(shadow.VerdictUnknown)})
		}
		fprintf(w, "window %s: %s (no check yet)\n", window, shadow.VerdictUnknown)
		return nil
	}
	if jsonOut {
		return printJSON(w, ev)
	}
	printEvaluation(w, *ev)
	return nil
}

func runShadowSnapshots(cmd *cobra.Command, args []string) error {
	app, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	snaps, err := app.KillSwitch.Snapshots(cmd.Context(), windowOr(cfg.Shadow.Window), shadowLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, snaps)
	}
	printSnapshots(w, snaps)
	return nil
}

func printSnapshots(w io.Writer, snaps []shadow.Snapshot) {
	if len(snaps) == 0 {
		fprintf(w, "no snapshots\n")
		return
	}
	fprintf(w, "%-12s  %-10s  %-10s  %-7s  %8s  %8s\n", "Subject", "V1", "V2", "Changed", "dRisk", "dCover")
	for _, s := range snaps {
		fprintf(w, "%-12s  %-10s  %-10s  %-7t  %8.1f  %8.1f\n",
			s.Subject, s.V1.Action, s.V2.Action, s.Diff.DecisionChanged, s.Diff.RiskDelta, s.Diff.CoverageDelta)
	}
}

func printEvaluation(w io.Writer, ev shadow.Evaluation) {
	m := ev.Metrics
	fprintf(w, "window %s: %s (use reference: %t)\n", m.Window, ev.Verdict, ev.Verdict.UseReference())
	fprintf(w, "  samples %d agreement %.3f flips %.3f fp %.3f fn %.3f\n",
		m.Samples, m.AgreementRate, m.FlipRate, m.FalsePositivesRate, m.FalseNegativesRate)
	for _, warn := range ev.Warnings {
		fprintf(w, "  - %s\n", warn)
	}
}
