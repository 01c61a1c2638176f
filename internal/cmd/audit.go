package cmd

import (
	"github.com/spf13/cobra"
)

var (
	auditComponent string
	auditLimit     int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit log entries",
	Long: `Show recent audit log entries, newest first.

Examples:
  safety-controller audit
  safety-controller audit --component control -n 5`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditComponent, "component", "", "Filter by component: ledger, control, gate or shadow")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Maximum number of entries to show")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	entries, err := app.Audit.Recent(cmd.Context(), auditComponent, auditLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fprintf(w, "no audit entries\n")
		return nil
	}
	for _, e := range entries {
		fprintf(w, "%s  %-8s %-16s by=%-10s subject=%s", formatTime(e.CreatedAt), e.Component, e.Action, e.Actor, e.SubjectID)
		if e.Reason != "" {
			fprintf(w, " reason=%q", e.Reason)
		}
		fprintf(w, "\n")
	}
	return nil
}
