// Package control owns the global learning controller: the status state
// machine, the drift guard, the health score and the effective learning rate
// handed to the update engine.
package control

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

var tracer = otel.Tracer("safety-controller/control")

// #region controller
// Controller reads and writes the learning_control row with optimistic
// versioning. Every write re-reads, re-applies and retries on conflict.
type Controller struct {
	db      *sql.DB
	cfg     Config
	weights Weights
	audit   Auditor
	logger  *slog.Logger

	// beforeSwap runs between read and write. Tests use it to force conflicts.
	beforeSwap func(ctx context.Context)
}

// NewController creates the learning_control table if needed.
func NewController(db *sql.DB, weights Weights, cfg Config) (*Controller, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("learning control schema: %w", err)
	}
	def := DefaultConfig()
	if cfg.ControlID == "" {
		cfg.ControlID = def.ControlID
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	aud := cfg.Auditor
	if aud == nil {
		aud = audit.Discard{}
	}
	return &Controller{
		db:      db,
		cfg:     cfg,
		weights: weights,
		audit:   aud,
		logger:  cfg.Logger.With("control_id", cfg.ControlID),
	}, nil
}

// #endregion controller

// #region get-or-create
// GetOrCreate returns the control row, seeding it from config on first use.
func (c *Controller) GetOrCreate(ctx context.Context) (LearningControl, error) {
	lc, err := c.load(ctx)
	if err != nil {
		return LearningControl{}, err
	}
	if lc != nil {
		return *lc, nil
	}

	now := c.cfg.Now().UTC()
	seed := LearningControl{
		ControlID:              c.cfg.ControlID,
		Status:                 StatusActive,
		BaseLearningRate:       c.cfg.BaseLearningRate,
		RateHalfLifeDays:       c.cfg.RateHalfLifeDays,
		MinLearningRate:        c.cfg.MinLearningRate,
		MaxLearningRate:        c.cfg.MaxLearningRate,
		DriftThreshold:         c.cfg.DriftThreshold,
		ConfidenceFloor:        c.cfg.ConfidenceFloor,
		MinEvidenceForLearning: c.cfg.MinEvidenceForLearning,
		HealthScore:            1,
		EpochStartedAt:         now,
		Version:                1,
		UpdatedAt:              now,
	}
	seed.EffectiveLearningRate = ComputeRate(seed, now)
	if err := c.insert(ctx, seed); err != nil {
		return LearningControl{}, err
	}

	lc, err = c.load(ctx)
	if err != nil {
		return LearningControl{}, err
	}
	if lc == nil {
		return LearningControl{}, fmt.Errorf("learning control %s missing after insert", c.cfg.ControlID)
	}
	c.logger.Info("learning control created", "rate", lc.EffectiveLearningRate)
	return *lc, nil
}

// #endregion get-or-create

// #region mutate
// mutate applies fn to a fresh copy of the row and writes it with CAS.
// fn must be safe to run more than once.
func (c *Controller) mutate(ctx context.Context, fn func(lc *LearningControl) error) (LearningControl, error) {
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		cur, err := c.GetOrCreate(ctx)
		if err != nil {
			return LearningControl{}, err
		}

		next := cur
		if err := fn(&next); err != nil {
			return LearningControl{}, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = c.cfg.Now().UTC()
		if next.Status == StatusFrozen {
			next.EffectiveLearningRate = 0
		}

		if c.beforeSwap != nil {
			c.beforeSwap(ctx)
		}
		ok, err := c.compareAndSwap(ctx, next, cur.Version)
		if err != nil {
			return LearningControl{}, err
		}
		if ok {
			c.publish(next)
			return next, nil
		}
		metrics.VersionConflictsTotal.Inc()
		c.logger.Debug("learning control version conflict", "attempt", attempt+1, "version", cur.Version)
	}
	return LearningControl{}, ErrVersionConflict
}

func (c *Controller) publish(lc LearningControl) {
	metrics.LearningRate.Set(lc.EffectiveLearningRate)
	metrics.HealthScore.Set(lc.HealthScore)
	metrics.SetOneHot(metrics.LearningStatus, AllStatuses, string(lc.Status))
}

// #endregion mutate

// #region drift-guard
// CheckDriftGuard aggregates ledger drift, degrades an active controller whose
// max drift exceeds the threshold, and refreshes the health score.
func (c *Controller) CheckDriftGuard(ctx context.Context) (DriftReport, error) {
	ctx, span := tracer.Start(ctx, "control.Controller.CheckDriftGuard")
	defer span.End()

	summary, err := c.weights.AggregateDrift(ctx)
	if err != nil {
		return DriftReport{}, fmt.Errorf("drift guard: %w", err)
	}
	metrics.MaxDrift.Set(summary.MaxAbsDrift)
	metrics.FrozenWeights.Set(float64(summary.FrozenWeights))

	var degraded bool
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		degraded = false
		lc.CurrentMaxDrift = summary.MaxAbsDrift
		lc.CurrentAvgDrift = summary.AvgAbsDrift
		if lc.Status == StatusActive && summary.MaxAbsDrift > lc.DriftThreshold {
			lc.Status = StatusDegraded
			lc.StatusReason = fmt.Sprintf("max drift %.4f exceeds threshold %.4f", summary.MaxAbsDrift, lc.DriftThreshold)
			lc.DriftFreezeCount++
			degraded = true
		}
		lc.HealthScore = ComputeHealth(lc.Status, summary.MaxAbsDrift, lc.DriftThreshold, summary.FrozenRatio())
		return nil
	})
	if err != nil {
		return DriftReport{}, fmt.Errorf("drift guard: %w", err)
	}

	report := DriftReport{
		Status:        lc.Status,
		Degraded:      degraded,
		MaxDrift:      summary.MaxAbsDrift,
		AvgDrift:      summary.AvgAbsDrift,
		FrozenWeights: summary.FrozenWeights,
		TotalWeights:  summary.TotalWeights,
		FrozenRatio:   summary.FrozenRatio(),
		HealthScore:   lc.HealthScore,
	}
	if report.FrozenRatio > c.cfg.FrozenRatioWarn {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("frozen weight ratio %.2f above %.2f", report.FrozenRatio, c.cfg.FrozenRatioWarn))
	}
	if lc.HealthScore < lc.ConfidenceFloor {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("health score %.2f below confidence floor %.2f", lc.HealthScore, lc.ConfidenceFloor))
	}
	report.Healthy = summary.MaxAbsDrift <= lc.DriftThreshold && len(report.Warnings) == 0

	span.SetAttributes(
		attribute.Float64("drift.max", report.MaxDrift),
		attribute.Int64("weights.frozen", report.FrozenWeights),
		attribute.String("learning.status", string(report.Status)),
		attribute.Bool("drift.healthy", report.Healthy),
	)

	if degraded {
		c.logger.Warn("learning degraded by drift guard", "max_drift", report.MaxDrift, "threshold", lc.DriftThreshold)
		c.audit.Record(ctx, audit.Entry{
			Component: audit.ComponentControl,
			Action:    "degrade",
			Actor:     "drift_guard",
			SubjectID: lc.ControlID,
			Reason:    lc.StatusReason,
			DetailsJSON: audit.Details(map[string]interface{}{
				"max_drift": report.MaxDrift,
				"avg_drift": report.AvgDrift,
			}),
		})
	} else {
		c.logger.Debug("drift guard checked", "max_drift", report.MaxDrift, "healthy", report.Healthy)
	}
	return report, nil
}

// #endregion drift-guard

// #region health-score
// CalculateHealthScore recomputes and persists the health score.
func (c *Controller) CalculateHealthScore(ctx context.Context) (float64, error) {
	summary, err := c.weights.AggregateDrift(ctx)
	if err != nil {
		return 0, fmt.Errorf("health score: %w", err)
	}
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		lc.CurrentMaxDrift = summary.MaxAbsDrift
		lc.CurrentAvgDrift = summary.AvgAbsDrift
		lc.HealthScore = ComputeHealth(lc.Status, summary.MaxAbsDrift, lc.DriftThreshold, summary.FrozenRatio())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("health score: %w", err)
	}
	return lc.HealthScore, nil
}

// #endregion health-score

// #region effective-rate
// EffectiveLearningRate computes and returns the rate the update engine
// should apply. It is exactly 0 while frozen. The computed rate is written
// back with a single CAS attempt; losing that race to a concurrent writer is
// not an error, since the row already holds a fresher value.
func (c *Controller) EffectiveLearningRate(ctx context.Context) (float64, error) {
	cur, err := c.GetOrCreate(ctx)
	if err != nil {
		return 0, fmt.Errorf("effective learning rate: %w", err)
	}
	rate := ComputeRate(cur, c.cfg.Now())
	if rate == cur.EffectiveLearningRate {
		return rate, nil
	}

	next := cur
	next.EffectiveLearningRate = rate
	next.Version = cur.Version + 1
	next.UpdatedAt = c.cfg.Now().UTC()
	if c.beforeSwap != nil {
		c.beforeSwap(ctx)
	}
	ok, err := c.compareAndSwap(ctx, next, cur.Version)
	switch {
	case err != nil:
		c.logger.Warn("persist effective learning rate", "error", err)
	case !ok:
		metrics.VersionConflictsTotal.Inc()
		c.logger.Debug("effective learning rate not persisted: version conflict", "version", cur.Version)
	default:
		c.publish(next)
	}
	return rate, nil
}

// #endregion effective-rate

// #region transitions
// Freeze stops all learning until Unfreeze or ResetAdaptiveWeights.
func (c *Controller) Freeze(ctx context.Context, reason, by string) (LearningControl, error) {
	summary, err := c.weights.AggregateDrift(ctx)
	if err != nil {
		return LearningControl{}, fmt.Errorf("freeze learning: %w", err)
	}
	now := c.cfg.Now().UTC()
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		if lc.Status == StatusFrozen {
			return fmt.Errorf("%w: already frozen", ErrInvalidTransition)
		}
		lc.Status = StatusFrozen
		lc.StatusReason = reason
		lc.EffectiveLearningRate = 0
		lc.TotalFreezeEvents++
		lc.LastFreezeAt = now
		lc.OverrideBy = by
		lc.OverrideAt = now
		lc.HealthScore = ComputeHealth(lc.Status, summary.MaxAbsDrift, lc.DriftThreshold, summary.FrozenRatio())
		return nil
	})
	if err != nil {
		return LearningControl{}, fmt.Errorf("freeze learning: %w", err)
	}

	metrics.FreezeEventsTotal.Inc()
	c.logger.Info("learning frozen", "reason", reason, "by", by)
	c.recordTransition(ctx, "freeze", by, reason, lc)
	return lc, nil
}

// Unfreeze returns a frozen, degraded or overridden controller to active and
// restores the base learning rate until the next rate computation.
func (c *Controller) Unfreeze(ctx context.Context, by string) (LearningControl, error) {
	summary, err := c.weights.AggregateDrift(ctx)
	if err != nil {
		return LearningControl{}, fmt.Errorf("unfreeze learning: %w", err)
	}
	now := c.cfg.Now().UTC()
	var from Status
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		if lc.Status == StatusActive {
			return fmt.Errorf("%w: already active", ErrInvalidTransition)
		}
		from = lc.Status
		lc.Status = StatusActive
		lc.StatusReason = ""
		lc.OverrideRate = 0
		lc.LastUnfreezeAt = now
		lc.OverrideBy = by
		lc.OverrideAt = now
		lc.HealthScore = ComputeHealth(lc.Status, summary.MaxAbsDrift, lc.DriftThreshold, summary.FrozenRatio())
		lc.EffectiveLearningRate = lc.BaseLearningRate
		return nil
	})
	if err != nil {
		return LearningControl{}, fmt.Errorf("unfreeze learning: %w", err)
	}

	c.logger.Info("learning unfrozen", "from", from, "by", by)
	c.recordTransition(ctx, "unfreeze", by, "from "+string(from), lc)
	return lc, nil
}

// OverrideRate pins the learning rate. The rate is clamped to the corridor.
// A frozen controller must be unfrozen first.
func (c *Controller) OverrideRate(ctx context.Context, rate float64, by string) (LearningControl, error) {
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return LearningControl{}, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	now := c.cfg.Now().UTC()
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		if lc.Status == StatusFrozen {
			return fmt.Errorf("%w: frozen controller cannot be overridden", ErrInvalidTransition)
		}
		pinned := clamp(rate, lc.MinLearningRate, lc.MaxLearningRate)
		lc.Status = StatusManualOverride
		lc.StatusReason = fmt.Sprintf("rate pinned to %.4f", pinned)
		lc.OverrideRate = pinned
		lc.EffectiveLearningRate = pinned
		lc.OverrideBy = by
		lc.OverrideAt = now
		return nil
	})
	if err != nil {
		return LearningControl{}, fmt.Errorf("override learning rate: %w", err)
	}

	c.logger.Info("learning rate overridden", "rate", lc.OverrideRate, "by", by)
	c.recordTransition(ctx, "override_rate", by, lc.StatusReason, lc)
	return lc, nil
}

// ResetAdaptiveWeights returns every weight to base, clears every freeze,
// sets the controller active and starts a new rate epoch.
func (c *Controller) ResetAdaptiveWeights(ctx context.Context, by string) (int64, error) {
	n, err := c.weights.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset adaptive weights: %w", err)
	}
	now := c.cfg.Now().UTC()
	lc, err := c.mutate(ctx, func(lc *LearningControl) error {
		lc.Status = StatusActive
		lc.StatusReason = "weights reset"
		lc.CurrentMaxDrift = 0
		lc.CurrentAvgDrift = 0
		lc.OverrideRate = 0
		lc.OverrideBy = by
		lc.OverrideAt = now
		lc.EpochStartedAt = now
		lc.HealthScore = ComputeHealth(lc.Status, 0, lc.DriftThreshold, 0)
		lc.EffectiveLearningRate = ComputeRate(*lc, now)
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("reset adaptive weights: %w", err)
	}

	c.logger.Info("adaptive weights reset", "weights", n, "by", by)
	c.recordTransition(ctx, "reset_weights", by, fmt.Sprintf("%d weights reset", n), lc)
	return n, nil
}

func (c *Controller) recordTransition(ctx context.Context, action, by, reason string, lc LearningControl) {
	c.audit.Record(ctx, audit.Entry{
		Component: audit.ComponentControl,
		Action:    action,
		Actor:     by,
		SubjectID: lc.ControlID,
		Reason:    reason,
		DetailsJSON: audit.Details(map[string]interface{}{
			"status":  lc.Status,
			"rate":    lc.EffectiveLearningRate,
			"health":  lc.HealthScore,
			"version": lc.Version,
		}),
	})
}

// #endregion transitions

var _ Weights = (*ledger.Ledger)(nil)
