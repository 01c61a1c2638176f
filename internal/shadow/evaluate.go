package shadow

import (
	"fmt"
	"math"
)

// #region diff
// Compute returns v2 - v1 per dimension.
func Compute(v1, v2 Decision) Diff {
	return Diff{
		DecisionChanged: v1.Action != v2.Action,
		EvidenceDelta:   v2.Evidence - v1.Evidence,
		RiskDelta:       v2.Risk - v1.Risk,
		CoverageDelta:   v2.Coverage - v1.Coverage,
		ConfidenceDelta: v2.Confidence - v1.Confidence,
	}
}

// #endregion diff

// #region aggregate
// Aggregate folds snapshots into window metrics. No snapshots means full
// agreement with zero samples.
func Aggregate(window string, snaps []Snapshot) Metrics {
	m := Metrics{Window: window, Samples: len(snaps)}
	if len(snaps) == 0 {
		m.AgreementRate = 1
		return m
	}

	var flips, fp, fn int
	for _, s := range snaps {
		if s.Diff.DecisionChanged {
			flips++
		}
		if s.V2.Acts() && !s.V1.Acts() {
			fp++
		}
		if s.V1.Acts() && !s.V2.Acts() {
			fn++
		}
		m.AvgEvidenceDelta += s.Diff.EvidenceDelta
		m.AvgRiskDelta += s.Diff.RiskDelta
		m.AvgCoverageDelta += s.Diff.CoverageDelta
		m.AvgConfidenceDelta += s.Diff.ConfidenceDelta
	}

	n := float64(len(snaps))
	m.FlipRate = float64(flips) / n
	m.AgreementRate = 1 - m.FlipRate
	m.FalsePositivesRate = float64(fp) / n
	m.FalseNegativesRate = float64(fn) / n
	m.AvgEvidenceDelta /= n
	m.AvgRiskDelta /= n
	m.AvgCoverageDelta /= n
	m.AvgConfidenceDelta /= n
	return m
}

// #endregion aggregate

// #region evaluate
// Evaluate maps metrics to a verdict. Agreement below the floor forces the
// reference engine on its own; every other signal only raises an alert. A
// non-finite metric counts as failing its threshold.
func Evaluate(m Metrics, t Thresholds) Evaluation {
	ev := Evaluation{Metrics: m}
	if !finite(m.AgreementRate) || m.AgreementRate < t.MinAgreementRate {
		ev.Verdict = VerdictForceV1
		ev.Warnings = []string{fmt.Sprintf("agreement rate %.3f below %.3f", m.AgreementRate, t.MinAgreementRate)}
		return ev
	}

	if !finite(m.FlipRate) || m.FlipRate > t.MaxFlipRate {
		ev.Warnings = append(ev.Warnings, fmt.Sprintf("flip rate %.3f above %.3f", m.FlipRate, t.MaxFlipRate))
	}
	if !finite(m.FalsePositivesRate) || m.FalsePositivesRate > t.MaxFalsePositives {
		ev.Warnings = append(ev.Warnings, fmt.Sprintf("false positives rate %.3f above %.3f", m.FalsePositivesRate, t.MaxFalsePositives))
	}
	if !finite(m.AvgRiskDelta) || m.AvgRiskDelta < t.MinAvgRiskDelta {
		ev.Warnings = append(ev.Warnings, fmt.Sprintf("avg risk delta %.1f below %.1f", m.AvgRiskDelta, t.MinAvgRiskDelta))
	}
	if !finite(m.AvgCoverageDelta) || m.AvgCoverageDelta < t.MinAvgCoverageDelta {
		ev.Warnings = append(ev.Warnings, fmt.Sprintf("avg coverage delta %.1f below %.1f", m.AvgCoverageDelta, t.MinAvgCoverageDelta))
	}

	if len(ev.Warnings) > 0 {
		ev.Verdict = VerdictAlert
	} else {
		ev.Verdict = VerdictOK
	}
	return ev
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// #endregion evaluate
