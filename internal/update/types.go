package update

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
)

// #region feedback
// Feedback is one inbound event from an outcome, backtest or simulation source.
type Feedback struct {
	Key    ledger.Key `json:"key"`
	Score  float64    `json:"score"` // [-1, 1]
	Reason string     `json:"reason"`
}

// #endregion feedback

// #region collaborators
// RateSource supplies the learning rate applied to every adjustment.
type RateSource interface {
	EffectiveLearningRate(ctx context.Context) (float64, error)
}

// WeightStore is the slice of the ledger the engine reads and writes.
type WeightStore interface {
	Get(ctx context.Context, key ledger.Key) (*ledger.WeightRecord, error)
	Save(ctx context.Context, rec ledger.WeightRecord) error
}

// Auditor records weight freezes. Failures are the auditor's problem.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// #endregion collaborators

// #region decision
// Action names what a step did to the record.
type Action string

const (
	ActionApplied  Action = "applied"
	ActionFrozen   Action = "frozen"    // cap tripped on this step
	ActionSkipped  Action = "skipped"   // record was already frozen
	ActionNotFound Action = "not_found" // no record for the key
)

// #endregion decision

// #region result
// Result reports the outcome of one AdjustWeight call.
type Result struct {
	Weight       *float64 // nil when the record does not exist
	HitBoundary  bool
	Frozen       bool
	FrozenReason string
	Action       Action
	Rate         float64
	Delta        float64 // applied change, 0 unless Action == ActionApplied
}

// #endregion result

// #region config
// Config holds the engine's policy and ambient dependencies.
type Config struct {
	CapPolicy DriftCapPolicy
	Auditor   Auditor
	Logger    *slog.Logger
	Now       func() time.Time
}

// DefaultConfig uses the cumulative movement cap.
func DefaultConfig() Config {
	return Config{
		CapPolicy: DefaultCapPolicy(),
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

// #endregion config
