package gate

import (
	"context"
	"errors"
	"time"
)

// #region errors
var (
	ErrDownstreamUnavailable = errors.New("gate collector unavailable")
	ErrInvalidMetrics        = errors.New("gate collector returned invalid metrics")
	ErrInvalidHorizon        = errors.New("unknown gate horizon")
)

// #endregion errors

// #region horizon
// Horizon is a prediction horizon with its own readiness thresholds.
type Horizon string

const (
	Horizon24h Horizon = "24h"
	Horizon7d  Horizon = "7d"
)

// Horizons lists every horizon in evaluation order.
var Horizons = []Horizon{Horizon24h, Horizon7d}

// ParseHorizon accepts "24h" or "7d".
func ParseHorizon(s string) (Horizon, error) {
	switch Horizon(s) {
	case Horizon24h, Horizon7d:
		return Horizon(s), nil
	}
	return "", ErrInvalidHorizon
}

// #endregion horizon

// #region status
// Status is a gate run's final verdict.
type Status string

const (
	StatusPassed     Status = "PASSED"
	StatusBlocked    Status = "BLOCKED"
	StatusShadowOnly Status = "SHADOW_ONLY"
	StatusUnknown    Status = "UNKNOWN" // no run persisted; treat as BLOCKED
)

// AllStatuses lists the statuses a run can persist.
var AllStatuses = []string{string(StatusPassed), string(StatusBlocked), string(StatusShadowOnly)}

// #endregion status

// #region section-names
const (
	SectionData     = "DATA_READY"
	SectionLabels   = "LABELS_READY"
	SectionNegative = "NEGATIVE_READY"
	SectionTemporal = "TEMPORAL_READY"
	SectionSafety   = "SAFETY_READY"
)

// #endregion section-names

// #region collected-metrics
// DataMetrics feeds DATA_READY.
type DataMetrics struct {
	Tokens       int     `json:"tokens" validate:"gte=0"`
	Chains       int     `json:"chains" validate:"gte=0"`
	TimeSpanDays float64 `json:"time_span_days" validate:"gte=0"`
	Signals      int     `json:"signals" validate:"gte=0"`
	AvgCoverage  float64 `json:"avg_coverage" validate:"gte=0,lte=1"`
	MissingRate  float64 `json:"missing_rate" validate:"gte=0,lte=1"`
}

// LabelsMetrics feeds LABELS_READY.
type LabelsMetrics struct {
	Labeled          int     `json:"labeled" validate:"gte=0"`
	Positives        int     `json:"positives" validate:"gte=0,ltefield=Labeled"`
	LabelCoverage    float64 `json:"label_coverage" validate:"gte=0,lte=1"`
	MaxLabelLagHours float64 `json:"max_label_lag_hours" validate:"gte=0"`
}

// NegativeMetrics feeds NEGATIVE_READY.
type NegativeMetrics struct {
	Negatives     int     `json:"negatives" validate:"gte=0"`
	NegativeRatio float64 `json:"negative_ratio" validate:"gte=0,lte=1"`
	HardNegatives int     `json:"hard_negatives" validate:"gte=0,ltefield=Negatives"`
}

// TemporalMetrics feeds TEMPORAL_READY.
type TemporalMetrics struct {
	DistinctDays int     `json:"distinct_days" validate:"gte=0"`
	MaxGapDays   float64 `json:"max_gap_days" validate:"gte=0"`
	RecentShare  float64 `json:"recent_share" validate:"gte=0,lte=1"`
	Leakage      int     `json:"leakage" validate:"gte=0"`
}

// SafetyMetrics feeds SAFETY_READY.
type SafetyMetrics struct {
	LearningStatus    string  `json:"learning_status" validate:"required"`
	FrozenWeightRatio float64 `json:"frozen_weight_ratio" validate:"gte=0,lte=1"`
	KillSwitchVerdict string  `json:"kill_switch_verdict" validate:"required"`
	MaxDrift          float64 `json:"max_drift" validate:"gte=0"`
}

// PerformanceMetrics are the per-horizon model metrics.
type PerformanceMetrics struct {
	Precision         float64 `json:"precision" validate:"gte=0,lte=1"`
	FalsePositiveRate float64 `json:"false_positive_rate" validate:"gte=0,lte=1"`
	NegativeRatio     float64 `json:"negative_ratio" validate:"gte=0,lte=1"`
	Samples           int     `json:"samples" validate:"gte=0"`
	StabilityStdDev   float64 `json:"stability_std_dev" validate:"gte=0"`
	Drift             float64 `json:"drift" validate:"gte=0"`
}

// Inputs is everything one evaluation reads.
type Inputs struct {
	Data        DataMetrics
	Labels      LabelsMetrics
	Negative    NegativeMetrics
	Temporal    TemporalMetrics
	Safety      SafetyMetrics
	Performance map[Horizon]PerformanceMetrics
}

// #endregion collected-metrics

// #region collectors
type DataCollector interface {
	CollectData(ctx context.Context, h Horizon) (DataMetrics, error)
}

type LabelsCollector interface {
	CollectLabels(ctx context.Context, h Horizon) (LabelsMetrics, error)
}

type NegativeCollector interface {
	CollectNegative(ctx context.Context, h Horizon) (NegativeMetrics, error)
}

type TemporalCollector interface {
	CollectTemporal(ctx context.Context, h Horizon) (TemporalMetrics, error)
}

type SafetyCollector interface {
	CollectSafety(ctx context.Context, h Horizon) (SafetyMetrics, error)
}

// PerformanceSource reports model metrics for a horizon.
type PerformanceSource interface {
	Performance(ctx context.Context, h Horizon) (PerformanceMetrics, error)
}

// Collectors bundles the evaluator's inputs.
type Collectors struct {
	Data        DataCollector
	Labels      LabelsCollector
	Negative    NegativeCollector
	Temporal    TemporalCollector
	Safety      SafetyCollector
	Performance PerformanceSource
}

// PermissionFlag is the outbound training permission consumed by trainers.
type PermissionFlag interface {
	SetTrainingAllowed(ctx context.Context, h Horizon, allowed bool, runID string) error
	Allowed(ctx context.Context, h Horizon) (bool, error)
}

// #endregion collectors

// #region results
// Metric is one threshold check inside a section or horizon.
type Metric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Op        string  `json:"op"` // ">=", "<=", "in", "=="
	Threshold float64 `json:"threshold"`
	Upper     float64 `json:"upper,omitempty"` // only for "in"
	Pass      bool    `json:"pass"`
}

// SectionResult is one readiness section's verdict.
type SectionResult struct {
	Name    string   `json:"name"`
	Passed  bool     `json:"passed"`
	Metrics []Metric `json:"metrics"`
	Reasons []string `json:"reasons,omitempty"`
}

// HorizonResult is one horizon's verdict.
type HorizonResult struct {
	Horizon Horizon  `json:"horizon"`
	Passed  bool     `json:"passed"`
	Metrics []Metric `json:"metrics"`
	Reasons []string `json:"reasons,omitempty"`
}

// CheckResult is one append-only gate run.
type CheckResult struct {
	RunID           string
	Horizon         Horizon
	Sections        []SectionResult
	Horizons        map[Horizon]HorizonResult
	Status          Status
	TrainingAllowed bool
	CreatedAt       time.Time
}

// Reason summarises the first failure, or "" when the run passed.
func (r CheckResult) Reason() string {
	for _, s := range r.Sections {
		if !s.Passed && len(s.Reasons) > 0 {
			return s.Name + ": " + s.Reasons[0]
		}
	}
	for _, h := range Horizons {
		hr, ok := r.Horizons[h]
		if ok && !hr.Passed && len(hr.Reasons) > 0 {
			return string(h) + ": " + hr.Reasons[0]
		}
	}
	return ""
}

// #endregion results
