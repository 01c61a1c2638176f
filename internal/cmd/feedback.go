package cmd

import (
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

var (
	fbKey    ledger.Key
	fbScore  float64
	fbReason string
	fbBase   float64
	fbCreate bool
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Apply one feedback event to a weight",
	Long: `Apply one feedback score in [-1, 1] to the weight identified by
scope, scope id, target and key, at the controller's effective rate.

Examples:
  safety-controller feedback --scope actor --scope-id a-1 --target alpha --key evidence --score 0.5
  safety-controller feedback ... --create --base 0.5   # create the weight first`,
	RunE: runFeedback,
}

func init() {
	f := feedbackCmd.Flags()
	f.StringVar(&fbKey.Scope, "scope", "", "Weight scope")
	f.StringVar(&fbKey.ScopeID, "scope-id", "", "Weight scope id")
	f.StringVar(&fbKey.Target, "target", "", "Weight target")
	f.StringVar(&fbKey.Key, "key", "", "Weight key")
	f.Float64Var(&fbScore, "score", 0, "Feedback score in [-1, 1]")
	f.StringVar(&fbReason, "reason", "manual", "Reason recorded in the weight history")
	f.BoolVar(&fbCreate, "create", false, "Create the weight around --base if missing")
	f.Float64Var(&fbBase, "base", 0, "Base weight used with --create")
	for _, name := range []string{"scope", "scope-id", "target", "key", "score"} {
		_ = feedbackCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(feedbackCmd)
}

type feedbackOutput struct {
	Key          string   `json:"key"`
	Action       string   `json:"action"`
	Weight       *float64 `json:"weight"`
	Rate         float64  `json:"rate"`
	Delta        float64  `json:"delta"`
	HitBoundary  bool     `json:"hit_boundary"`
	FrozenReason string   `json:"frozen_reason,omitempty"`
}

func runFeedback(cmd *cobra.Command, args []string) error {
	app, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if fbCreate {
		if _, err := app.Ledger.GetOrCreate(ctx, fbKey, fbBase); err != nil {
			return err
		}
	}
	res, err := app.Updates.Apply(ctx, update.Feedback{Key: fbKey, Score: fbScore, Reason: fbReason})
	if err != nil {
		return err
	}

	out := feedbackOutput{
		Key:          fbKey.String(),
		Action:       string(res.Action),
		Weight:       res.Weight,
		Rate:         res.Rate,
		Delta:        res.Delta,
		HitBoundary:  res.HitBoundary,
		FrozenReason: res.FrozenReason,
	}
	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, out)
	}
	fprintf(w, "%s: %s", out.Key, out.Action)
	if out.Weight != nil {
		fprintf(w, " weight=%.5f delta=%+.5f rate=%.5f", *out.Weight, out.Delta, out.Rate)
	}
	if out.HitBoundary {
		fprintf(w, " (boundary)")
	}
	if out.FrozenReason != "" {
		fprintf(w, " frozen: %s", out.FrozenReason)
	}
	fprintf(w, "\n")
	return nil
}
