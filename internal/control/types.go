package control

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
)

// #region errors
var (
	ErrVersionConflict   = errors.New("learning control version conflict")
	ErrInvalidTransition = errors.New("invalid learning status transition")
	ErrInvalidRate       = errors.New("invalid learning rate")
)

// #endregion errors

// #region status
// Status is the global learning mode.
type Status string

const (
	StatusActive         Status = "active"
	StatusFrozen         Status = "frozen"
	StatusDegraded       Status = "degraded"
	StatusManualOverride Status = "manual_override"
)

// AllStatuses lists every status, used for one-hot gauges.
var AllStatuses = []string{
	string(StatusActive),
	string(StatusFrozen),
	string(StatusDegraded),
	string(StatusManualOverride),
}

// #endregion status

// #region learning-control
// LearningControl is the singleton row governing learning for one control id.
// Status == StatusFrozen implies EffectiveLearningRate == 0.
type LearningControl struct {
	ControlID              string
	Status                 Status
	StatusReason           string
	BaseLearningRate       float64
	EffectiveLearningRate  float64
	RateHalfLifeDays       float64
	MinLearningRate        float64
	MaxLearningRate        float64
	DriftThreshold         float64
	CurrentMaxDrift        float64
	CurrentAvgDrift        float64
	DriftFreezeCount       int
	ConfidenceFloor        float64
	MinEvidenceForLearning int
	TotalFreezeEvents      int
	HealthScore            float64
	LastFreezeAt           time.Time
	LastUnfreezeAt         time.Time
	OverrideBy             string
	OverrideAt             time.Time
	OverrideRate           float64
	EpochStartedAt         time.Time
	Version                int64
	UpdatedAt              time.Time
}

// #endregion learning-control

// #region drift-report
// DriftReport is returned by CheckDriftGuard.
type DriftReport struct {
	Healthy       bool
	Status        Status
	Degraded      bool // this check moved the controller to degraded
	MaxDrift      float64
	AvgDrift      float64
	FrozenWeights int64
	TotalWeights  int64
	FrozenRatio   float64
	HealthScore   float64
	Warnings      []string
}

// #endregion drift-report

// #region collaborators
// DriftAggregator summarizes drift across the weight ledger.
type DriftAggregator interface {
	AggregateDrift(ctx context.Context) (ledger.DriftSummary, error)
}

// WeightResetter returns every weight to its base value.
type WeightResetter interface {
	ResetAll(ctx context.Context) (int64, error)
}

// Weights is what the controller needs from the ledger.
type Weights interface {
	DriftAggregator
	WeightResetter
}

// Auditor records state transitions. Failures are the auditor's problem.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// #endregion collaborators

// #region config
// Config seeds the control row and tunes the controller.
type Config struct {
	ControlID              string
	BaseLearningRate       float64
	RateHalfLifeDays       float64
	MinLearningRate        float64
	MaxLearningRate        float64
	DriftThreshold         float64
	ConfidenceFloor        float64
	MinEvidenceForLearning int
	FrozenRatioWarn        float64
	MaxRetries             int // CAS retries after the first attempt

	Auditor Auditor
	Logger  *slog.Logger
	Now     func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ControlID:              "global",
		BaseLearningRate:       0.05,
		RateHalfLifeDays:       30,
		MinLearningRate:        0.005,
		MaxLearningRate:        0.2,
		DriftThreshold:         0.25,
		ConfidenceFloor:        0.5,
		MinEvidenceForLearning: 5,
		FrozenRatioWarn:        0.2,
		MaxRetries:             2,
		Logger:                 slog.Default(),
		Now:                    time.Now,
	}
}

// #endregion config
