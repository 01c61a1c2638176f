package gate

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

// #region local-safety
// LearningSource exposes the learning control row.
type LearningSource interface {
	GetOrCreate(ctx context.Context) (control.LearningControl, error)
}

// VerdictSource exposes the latest kill-switch verdict for a window.
type VerdictSource interface {
	LatestVerdict(ctx context.Context, window string) (shadow.Verdict, error)
}

// LocalSafety collects SAFETY_READY inputs from this process's own stores.
type LocalSafety struct {
	Learning LearningSource
	Drift    control.DriftAggregator
	Verdicts VerdictSource
	Window   string
}

func (s LocalSafety) CollectSafety(ctx context.Context, _ Horizon) (SafetyMetrics, error) {
	lc, err := s.Learning.GetOrCreate(ctx)
	if err != nil {
		return SafetyMetrics{}, fmt.Errorf("learning status: %w", err)
	}
	summary, err := s.Drift.AggregateDrift(ctx)
	if err != nil {
		return SafetyMetrics{}, fmt.Errorf("drift summary: %w", err)
	}
	verdict, err := s.Verdicts.LatestVerdict(ctx, s.Window)
	if err != nil {
		return SafetyMetrics{}, fmt.Errorf("kill switch verdict: %w", err)
	}
	return SafetyMetrics{
		LearningStatus:    string(lc.Status),
		FrozenWeightRatio: summary.FrozenRatio(),
		KillSwitchVerdict: string(verdict),
		MaxDrift:          summary.MaxAbsDrift,
	}, nil
}

// #endregion local-safety
