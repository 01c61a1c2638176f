// Package update applies feedback events to ledger weights with a bounded
// scalar step and a freeze circuit breaker.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/metrics"
)

// ErrInvalidFeedback is returned for scores outside [-1, 1] or NaN.
var ErrInvalidFeedback = errors.New("feedback score must be within [-1, 1]")

// #region step
// StepInput bundles everything the pure step needs.
type StepInput struct {
	Score  float64
	Reason string
	Rate   float64
	Policy DriftCapPolicy
	Now    time.Time
}

// Step computes the next record for one feedback score. It is pure: the
// returned record is a copy and rec is left untouched. A frozen record comes
// back unchanged with ActionSkipped.
func Step(rec ledger.WeightRecord, in StepInput) (ledger.WeightRecord, Result) {
	next := rec.Clone()

	if rec.Frozen {
		w := rec.CurrentWeight
		return next, Result{
			Weight:       &w,
			Frozen:       true,
			FrozenReason: rec.FrozenReason,
			Action:       ActionSkipped,
			Rate:         in.Rate,
		}
	}

	delta := in.Rate * in.Score
	newWeight := clamp(rec.CurrentWeight+delta, rec.MinWeight, rec.MaxWeight)
	hitBoundary := newWeight == rec.MinWeight || newWeight == rec.MaxWeight

	policy := in.Policy
	if policy == nil {
		policy = NoDriftCap{}
	}
	capDecision := policy.Check(DriftCheck{
		BaseWeight:      rec.BaseWeight,
		CurrentWeight:   rec.CurrentWeight,
		ProposedWeight:  newWeight,
		MinWeight:       rec.MinWeight,
		MaxWeight:       rec.MaxWeight,
		CumulativeDrift: rec.CumulativeDrift,
	})
	if capDecision.Freeze {
		// Only the freeze marker is written; the step itself is dropped.
		next.Frozen = true
		next.FrozenAt = in.Now
		next.FrozenReason = capDecision.Reason
		next.UpdatedAt = in.Now
		w := rec.CurrentWeight
		return next, Result{
			Weight:       &w,
			HitBoundary:  hitBoundary,
			Frozen:       true,
			FrozenReason: capDecision.Reason,
			Action:       ActionFrozen,
			Rate:         in.Rate,
		}
	}

	switch {
	case in.Score > 0:
		next.TotalPositive += in.Score
	case in.Score < 0:
		next.TotalNegative += -in.Score
	}
	next.EvidenceCount++

	applied := newWeight - rec.CurrentWeight
	next.CurrentWeight = newWeight
	next.CumulativeDrift += math.Abs(applied)
	next.RecomputeDrift()
	if hitBoundary {
		next.HitBoundaryCount++
	}
	next.AppendHistory(ledger.Adjustment{
		Timestamp:     in.Now,
		OldWeight:     rec.CurrentWeight,
		NewWeight:     newWeight,
		Reason:        in.Reason,
		FeedbackScore: in.Score,
		Version:       rec.Version + 1,
	})
	next.UpdatedAt = in.Now

	w := newWeight
	return next, Result{
		Weight:      &w,
		HitBoundary: hitBoundary,
		Action:      ActionApplied,
		Rate:        in.Rate,
		Delta:       applied,
	}
}

// #endregion step

// #region engine
// Engine applies feedback to the persisted ledger.
type Engine struct {
	weights WeightStore
	rates   RateSource
	config  Config
}

// NewEngine wires the ledger and the rate source.
func NewEngine(weights WeightStore, rates RateSource, config Config) *Engine {
	if config.CapPolicy == nil {
		config.CapPolicy = DefaultCapPolicy()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Auditor == nil {
		config.Auditor = audit.Discard{}
	}
	return &Engine{weights: weights, rates: rates, config: config}
}

// AdjustWeight nudges the weight at key by rate × score. A missing record is
// reported with a nil Weight and no error; a frozen record is reported with
// Frozen set and left untouched.
func (e *Engine) AdjustWeight(ctx context.Context, key ledger.Key, score float64, reason string) (Result, error) {
	if math.IsNaN(score) || score < -1 || score > 1 {
		return Result{}, fmt.Errorf("adjust %s: %w", key, ErrInvalidFeedback)
	}

	rec, err := e.weights.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("adjust %s: %w", key, err)
	}
	if rec == nil {
		metrics.AdjustmentsTotal.WithLabelValues(string(ActionNotFound)).Inc()
		return Result{Action: ActionNotFound}, nil
	}
	if rec.Frozen {
		metrics.AdjustmentsTotal.WithLabelValues(string(ActionSkipped)).Inc()
		w := rec.CurrentWeight
		return Result{Weight: &w, Frozen: true, FrozenReason: rec.FrozenReason, Action: ActionSkipped}, nil
	}

	rate, err := e.rates.EffectiveLearningRate(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("learning rate: %w", err)
	}

	next, res := Step(*rec, StepInput{
		Score:  score,
		Reason: reason,
		Rate:   rate,
		Policy: e.config.CapPolicy,
		Now:    e.config.Now().UTC(),
	})

	if err := e.weights.Save(ctx, next); errors.Is(err, ledger.ErrFrozen) {
		return e.frozenMeanwhile(ctx, key, rate)
	} else if err != nil {
		return Result{}, fmt.Errorf("adjust %s: %w", key, err)
	}
	metrics.AdjustmentsTotal.WithLabelValues(string(res.Action)).Inc()

	if res.Action == ActionFrozen {
		e.config.Logger.Warn("weight frozen by drift cap",
			"key", key.String(),
			"reason", res.FrozenReason,
			"weight", rec.CurrentWeight,
		)
		e.config.Auditor.Record(ctx, audit.Entry{
			Component: audit.ComponentLedger,
			Action:    "freeze_weight",
			Actor:     "drift_cap",
			SubjectID: key.String(),
			Reason:    res.FrozenReason,
			DetailsJSON: audit.Details(map[string]interface{}{
				"weight":           rec.CurrentWeight,
				"cumulative_drift": rec.CumulativeDrift,
				"score":            score,
			}),
		})
	} else {
		e.config.Logger.Debug("weight adjusted",
			"key", key.String(),
			"old", rec.CurrentWeight,
			"new", next.CurrentWeight,
			"rate", rate,
			"score", score,
			"hit_boundary", res.HitBoundary,
		)
	}
	return res, nil
}

// frozenMeanwhile reports a step that lost a race with a concurrent freeze.
// The stored record is authoritative.
func (e *Engine) frozenMeanwhile(ctx context.Context, key ledger.Key, rate float64) (Result, error) {
	rec, err := e.weights.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("adjust %s: %w", key, err)
	}
	if rec == nil {
		metrics.AdjustmentsTotal.WithLabelValues(string(ActionNotFound)).Inc()
		return Result{Action: ActionNotFound}, nil
	}
	metrics.AdjustmentsTotal.WithLabelValues(string(ActionSkipped)).Inc()
	e.config.Logger.Debug("weight frozen by a concurrent writer", "key", key.String())
	w := rec.CurrentWeight
	return Result{Weight: &w, Frozen: true, FrozenReason: rec.FrozenReason, Action: ActionSkipped, Rate: rate}, nil
}

// Apply is AdjustWeight for a Feedback value.
func (e *Engine) Apply(ctx context.Context, fb Feedback) (Result, error) {
	return e.AdjustWeight(ctx, fb.Key, fb.Score, fb.Reason)
}

// #endregion engine

// #region helpers
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// #endregion helpers
