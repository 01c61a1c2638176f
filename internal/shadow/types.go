package shadow

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidDecision = errors.New("invalid shadow decision")

// #region decision
// ActionNeutral is the "no action" category. Anything else is an action.
const ActionNeutral = "NEUTRAL"

// Decision is one engine's categorical outcome plus its 0-100 score dimensions.
type Decision struct {
	Action     string  `json:"action" validate:"required"`
	Evidence   float64 `json:"evidence" validate:"gte=0,lte=100"`
	Risk       float64 `json:"risk" validate:"gte=0,lte=100"`
	Coverage   float64 `json:"coverage" validate:"gte=0,lte=100"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=100"`
}

// Acts reports whether the decision recommends an action.
func (d Decision) Acts() bool {
	return d.Action != ActionNeutral
}

// DecisionSource produces a decision for a subject over a window.
type DecisionSource interface {
	Decide(ctx context.Context, subject, window string) (Decision, error)
}

// #endregion decision

// #region snapshot
// Diff is current (v2) minus reference (v1).
type Diff struct {
	DecisionChanged bool    `json:"decision_changed"`
	EvidenceDelta   float64 `json:"evidence_delta"`
	RiskDelta       float64 `json:"risk_delta"`
	CoverageDelta   float64 `json:"coverage_delta"`
	ConfidenceDelta float64 `json:"confidence_delta"`
}

// Snapshot is one persisted comparison. Never mutated.
type Snapshot struct {
	ID        string
	Subject   string
	Window    string
	V1        Decision
	V2        Decision
	Diff      Diff
	CreatedAt time.Time
}

// #endregion snapshot

// #region metrics
// Metrics aggregate the most recent snapshots of one window. They measure
// divergence between engines, not correctness.
type Metrics struct {
	Window             string  `json:"window"`
	Samples            int     `json:"samples"`
	FlipRate           float64 `json:"flip_rate"`
	AgreementRate      float64 `json:"agreement_rate"`
	AvgEvidenceDelta   float64 `json:"avg_evidence_delta"`
	AvgRiskDelta       float64 `json:"avg_risk_delta"`
	AvgCoverageDelta   float64 `json:"avg_coverage_delta"`
	AvgConfidenceDelta float64 `json:"avg_confidence_delta"`
	FalsePositivesRate float64 `json:"false_positives_rate"` // v2 acts, v1 neutral
	FalseNegativesRate float64 `json:"false_negatives_rate"` // v1 acts, v2 neutral
}

// #endregion metrics

// #region verdict
// Verdict is the kill-switch output read by engine routers.
type Verdict string

const (
	VerdictOK      Verdict = "OK"
	VerdictAlert   Verdict = "ALERT"
	VerdictForceV1 Verdict = "FORCE_V1"
	VerdictUnknown Verdict = "UNKNOWN" // nothing checked yet; no automatic action
)

// AllVerdicts lists the verdicts a check can persist.
var AllVerdicts = []string{string(VerdictOK), string(VerdictAlert), string(VerdictForceV1)}

// UseReference reports whether a router must serve the reference engine.
func (v Verdict) UseReference() bool {
	return v == VerdictForceV1
}

// Evaluation is a verdict with the warnings that produced it.
type Evaluation struct {
	Verdict   Verdict
	Warnings  []string
	Metrics   Metrics
	CheckedAt time.Time
}

// #endregion verdict

// #region thresholds
// Thresholds drive Evaluate and the rolling window size.
type Thresholds struct {
	WindowSize          int     `yaml:"window_size"`
	MinAgreementRate    float64 `yaml:"min_agreement_rate"`
	MaxFlipRate         float64 `yaml:"max_flip_rate"`
	MaxFalsePositives   float64 `yaml:"max_false_positives_rate"`
	MinAvgRiskDelta     float64 `yaml:"min_avg_risk_delta"`
	MinAvgCoverageDelta float64 `yaml:"min_avg_coverage_delta"`
}

// DefaultThresholds returns the production kill-switch policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowSize:          500,
		MinAgreementRate:    0.60,
		MaxFlipRate:         0.35,
		MaxFalsePositives:   0.15,
		MinAvgRiskDelta:     -25,
		MinAvgCoverageDelta: -40,
	}
}

// #endregion thresholds
