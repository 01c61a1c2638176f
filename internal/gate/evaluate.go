package gate

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

// #region checks
// checks accumulates metrics and failure reasons for one section or horizon.
type checks struct {
	metrics []Metric
	reasons []string
}

func (c *checks) add(m Metric, reason string) {
	c.metrics = append(c.metrics, m)
	if !m.Pass {
		c.reasons = append(c.reasons, reason)
	}
}

func (c *checks) atLeast(name string, v, min float64) {
	c.add(Metric{Name: name, Value: v, Op: ">=", Threshold: min, Pass: v >= min},
		fmt.Sprintf("%s %.4g below %.4g", name, v, min))
}

func (c *checks) atMost(name string, v, max float64) {
	c.add(Metric{Name: name, Value: v, Op: "<=", Threshold: max, Pass: v <= max},
		fmt.Sprintf("%s %.4g above %.4g", name, v, max))
}

func (c *checks) within(name string, v, lo, hi float64) {
	c.add(Metric{Name: name, Value: v, Op: "in", Threshold: lo, Upper: hi, Pass: v >= lo && v <= hi},
		fmt.Sprintf("%s %.4g outside [%.4g, %.4g]", name, v, lo, hi))
}

// flag records a boolean condition as 1 (violated) or 0 and requires 0.
func (c *checks) flag(name string, violated bool, reason string) {
	v := 0.0
	if violated {
		v = 1
	}
	c.add(Metric{Name: name, Value: v, Op: "==", Threshold: 0, Pass: !violated}, reason)
}

func (c *checks) section(name string) SectionResult {
	return SectionResult{Name: name, Passed: len(c.reasons) == 0, Metrics: c.metrics, Reasons: c.reasons}
}

// #endregion checks

// #region sections
func evaluateData(m DataMetrics, t DataThresholds) SectionResult {
	var c checks
	c.atLeast("tokens", float64(m.Tokens), float64(t.MinTokens))
	c.atLeast("chains", float64(m.Chains), float64(t.MinChains))
	c.atLeast("time_span_days", m.TimeSpanDays, t.MinTimeSpanDays)
	c.atLeast("signals", float64(m.Signals), float64(t.MinSignals))
	c.atLeast("avg_coverage", m.AvgCoverage, t.MinAvgCoverage)
	c.atMost("missing_rate", m.MissingRate, t.MaxMissingRate)
	return c.section(SectionData)
}

func evaluateLabels(m LabelsMetrics, t LabelsThresholds) SectionResult {
	var c checks
	c.atLeast("labeled", float64(m.Labeled), float64(t.MinLabeled))
	c.atLeast("positives", float64(m.Positives), float64(t.MinPositives))
	c.atLeast("label_coverage", m.LabelCoverage, t.MinLabelCoverage)
	c.atMost("max_label_lag_hours", m.MaxLabelLagHours, t.MaxLabelLagHours)
	return c.section(SectionLabels)
}

func evaluateNegative(m NegativeMetrics, t NegativeThresholds) SectionResult {
	var c checks
	c.atLeast("negatives", float64(m.Negatives), float64(t.MinNegatives))
	c.within("negative_ratio", m.NegativeRatio, t.MinNegativeRatio, t.MaxNegativeRatio)
	c.atLeast("hard_negatives", float64(m.HardNegatives), float64(t.MinHardNegatives))
	return c.section(SectionNegative)
}

func evaluateTemporal(m TemporalMetrics, t TemporalThresholds) SectionResult {
	var c checks
	c.atLeast("distinct_days", float64(m.DistinctDays), float64(t.MinDistinctDays))
	c.atMost("max_gap_days", m.MaxGapDays, t.MaxGapDays)
	c.atLeast("recent_share", m.RecentShare, t.MinRecentShare)
	c.atMost("leakage", float64(m.Leakage), float64(t.MaxLeakage))
	return c.section(SectionTemporal)
}

func evaluateSafety(m SafetyMetrics, t SafetyThresholds) SectionResult {
	var c checks
	c.flag("learning_frozen", m.LearningStatus == string(control.StatusFrozen), "learning is frozen")
	c.atMost("frozen_weight_ratio", m.FrozenWeightRatio, t.MaxFrozenWeightRatio)
	c.flag("kill_switch_force_v1", m.KillSwitchVerdict == string(shadow.VerdictForceV1), "kill switch forces reference engine")
	c.atMost("max_drift", m.MaxDrift, t.MaxDrift)
	return c.section(SectionSafety)
}

// EvaluateSections runs the five readiness sections in fixed order.
func EvaluateSections(in Inputs, t Thresholds) []SectionResult {
	return []SectionResult{
		evaluateData(in.Data, t.Data),
		evaluateLabels(in.Labels, t.Labels),
		evaluateNegative(in.Negative, t.Negative),
		evaluateTemporal(in.Temporal, t.Temporal),
		evaluateSafety(in.Safety, t.Safety),
	}
}

// #endregion sections

// #region horizons
// EvaluateHorizon passes only if every section passed and the horizon's own
// thresholds hold.
func EvaluateHorizon(h Horizon, sections []SectionResult, m PerformanceMetrics, t Thresholds) HorizonResult {
	var c checks
	for _, s := range sections {
		c.flag("section_"+s.Name, !s.Passed, s.Name+" not ready")
	}

	switch h {
	case Horizon24h:
		c.atLeast("precision", m.Precision, t.H24.MinPrecision)
		c.atMost("false_positive_rate", m.FalsePositiveRate, t.H24.MaxFalsePositiveRate)
		c.atLeast("negative_ratio", m.NegativeRatio, t.H24.MinNegativeRatio)
		c.atLeast("samples", float64(m.Samples), float64(t.H24.MinSamples))
	case Horizon7d:
		c.atLeast("precision", m.Precision, t.H7d.MinPrecision)
		c.atMost("stability_std_dev", m.StabilityStdDev, t.H7d.MaxStabilityStdDev)
		c.atMost("drift", m.Drift, t.H7d.MaxDrift)
		c.atLeast("negative_ratio", m.NegativeRatio, t.H7d.MinNegativeRatio)
		c.atLeast("samples", float64(m.Samples), float64(t.H7d.MinSamples))
	default:
		c.flag("horizon_known", true, "unknown horizon "+string(h))
	}

	return HorizonResult{Horizon: h, Passed: len(c.reasons) == 0, Metrics: c.metrics, Reasons: c.reasons}
}

// ComputeFinalStatus maps the two horizon verdicts to a gate status.
func ComputeFinalStatus(passed24h, passed7d bool) Status {
	switch {
	case passed24h && passed7d:
		return StatusPassed
	case passed7d:
		return StatusShadowOnly
	default:
		return StatusBlocked
	}
}

// #endregion horizons

// #region evaluate
// Evaluate is the pure gate decision over collected inputs. RunID, Horizon
// and CreatedAt are left for the caller.
func Evaluate(in Inputs, t Thresholds) CheckResult {
	sections := EvaluateSections(in, t)
	horizons := make(map[Horizon]HorizonResult, len(Horizons))
	for _, h := range Horizons {
		horizons[h] = EvaluateHorizon(h, sections, in.Performance[h], t)
	}
	status := ComputeFinalStatus(horizons[Horizon24h].Passed, horizons[Horizon7d].Passed)
	return CheckResult{
		Sections:        sections,
		Horizons:        horizons,
		Status:          status,
		TrainingAllowed: status == StatusPassed,
	}
}

// #endregion evaluate
