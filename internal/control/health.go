package control

import (
	"math"
	"time"
)

// #region health
// ComputeHealth scores learning health in [0, 1]. Frozen halves the score,
// degraded scales it by 0.7, then drift and frozen weights are subtracted.
func ComputeHealth(status Status, maxDrift, driftThreshold, frozenRatio float64) float64 {
	h := 1.0
	switch status {
	case StatusFrozen:
		h *= 0.5
	case StatusDegraded:
		h *= 0.7
	}
	if driftThreshold > 0 {
		h -= math.Min(1, maxDrift/driftThreshold) * 0.3
	}
	h -= frozenRatio * 0.5
	return clamp(h, 0, 1)
}

// #endregion health

// #region rate
// ComputeRate derives the effective learning rate from the control row.
// The decayed base is clamped to the rate corridor before health scaling.
func ComputeRate(lc LearningControl, now time.Time) float64 {
	switch lc.Status {
	case StatusFrozen:
		return 0
	case StatusManualOverride:
		return lc.OverrideRate
	}

	rate := lc.BaseLearningRate
	if lc.RateHalfLifeDays > 0 && !lc.EpochStartedAt.IsZero() {
		ageDays := now.Sub(lc.EpochStartedAt).Hours() / 24
		if ageDays > 0 {
			rate *= math.Exp(-ageDays * math.Ln2 / lc.RateHalfLifeDays)
		}
	}
	rate = clamp(rate, lc.MinLearningRate, lc.MaxLearningRate)
	return rate * clamp(lc.HealthScore, 0, 1)
}

// #endregion rate

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
