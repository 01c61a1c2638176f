// Package gate decides whether production training may run. Five readiness
// sections are evaluated against collected metrics, each horizon adds its own
// performance thresholds, and the two horizon verdicts map to a final status.
package gate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

var (
	tracer   = otel.Tracer("safety-controller/gate")
	validate = validator.New()
	nowUTC   = func() time.Time { return time.Now().UTC() }
)

// #region evaluator
// Auditor records gate runs. Failures are the auditor's problem.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Config tunes the evaluator.
type Config struct {
	Thresholds Thresholds
	Auditor    Auditor
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultConfig uses the production thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Logger:     slog.Default(),
		Now:        time.Now,
	}
}

// Evaluator runs the gate and persists every run.
type Evaluator struct {
	db         *sql.DB
	collectors Collectors
	flag       PermissionFlag
	cfg        Config
	audit      Auditor
	logger     *slog.Logger
}

// NewEvaluator creates the gate tables if needed.
func NewEvaluator(db *sql.DB, collectors Collectors, flag PermissionFlag, cfg Config) (*Evaluator, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("gate schema: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	aud := cfg.Auditor
	if aud == nil {
		aud = audit.Discard{}
	}
	return &Evaluator{db: db, collectors: collectors, flag: flag, cfg: cfg, audit: aud, logger: cfg.Logger}, nil
}

// #endregion evaluator

// #region run
// Run collects, evaluates, persists and publishes one gate decision for h.
// A collector failure persists nothing and revokes the permission flag, which
// Status and IsTrainingAllowed then report as BLOCKED.
func (e *Evaluator) Run(ctx context.Context, h Horizon) (CheckResult, error) {
	ctx, span := tracer.Start(ctx, "gate.Evaluator.Run",
		trace.WithAttributes(attribute.String("gate.horizon", string(h))))
	defer span.End()

	if _, err := ParseHorizon(string(h)); err != nil {
		return CheckResult{}, fmt.Errorf("gate run %q: %w", h, err)
	}

	in, err := e.collect(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "collect")
		e.revoke(ctx, h, err)
		return CheckResult{}, fmt.Errorf("gate run %s: %w", h, err)
	}

	res := Evaluate(in, e.cfg.Thresholds)
	res.RunID = uuid.New().String()
	res.Horizon = h
	res.CreatedAt = e.cfg.Now().UTC()

	if err := insertResult(ctx, e.db, res); err != nil {
		span.RecordError(err)
		e.revoke(ctx, h, err)
		return CheckResult{}, fmt.Errorf("gate run %s: %w", h, err)
	}
	if err := e.flag.SetTrainingAllowed(ctx, h, res.TrainingAllowed, res.RunID); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("gate run %s: %w", h, err)
	}

	metrics.GateRunsTotal.WithLabelValues(string(h), string(res.Status)).Inc()
	metrics.TrainingAllowed.WithLabelValues(string(h)).Set(boolGauge(res.TrainingAllowed))
	span.SetAttributes(
		attribute.String("gate.run_id", res.RunID),
		attribute.String("gate.status", string(res.Status)),
	)

	e.audit.Record(ctx, audit.Entry{
		Component: audit.ComponentGate,
		Action:    "run",
		SubjectID: res.RunID,
		Reason:    res.Reason(),
		DetailsJSON: audit.Details(map[string]interface{}{
			"horizon":          h,
			"status":           res.Status,
			"training_allowed": res.TrainingAllowed,
		}),
	})
	e.logger.Info("gate run complete",
		"horizon", h,
		"run_id", res.RunID,
		"status", res.Status,
		"reason", res.Reason(),
	)
	return res, nil
}

func (e *Evaluator) revoke(ctx context.Context, h Horizon, cause error) {
	metrics.TrainingAllowed.WithLabelValues(string(h)).Set(0)
	if err := e.flag.SetTrainingAllowed(ctx, h, false, ""); err != nil {
		e.logger.Warn("revoke training permission failed", "horizon", h, "error", err)
	}
	e.logger.Warn("gate run aborted", "horizon", h, "error", cause)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion run

// #region collect
// collect fans out to every collector. The first failure cancels the rest.
func (e *Evaluator) collect(ctx context.Context, h Horizon) (Inputs, error) {
	var in Inputs
	var perf24, perf7 PerformanceMetrics
	c := e.collectors

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.Data, err = c.Data.CollectData(gctx, h)
		return checked("data", in.Data, err)
	})
	g.Go(func() (err error) {
		in.Labels, err = c.Labels.CollectLabels(gctx, h)
		return checked("labels", in.Labels, err)
	})
	g.Go(func() (err error) {
		in.Negative, err = c.Negative.CollectNegative(gctx, h)
		return checked("negative", in.Negative, err)
	})
	g.Go(func() (err error) {
		in.Temporal, err = c.Temporal.CollectTemporal(gctx, h)
		return checked("temporal", in.Temporal, err)
	})
	g.Go(func() (err error) {
		in.Safety, err = c.Safety.CollectSafety(gctx, h)
		return checked("safety", in.Safety, err)
	})
	g.Go(func() (err error) {
		perf24, err = c.Performance.Performance(gctx, Horizon24h)
		return checked("performance 24h", perf24, err)
	})
	g.Go(func() (err error) {
		perf7, err = c.Performance.Performance(gctx, Horizon7d)
		return checked("performance 7d", perf7, err)
	})
	if err := g.Wait(); err != nil {
		return Inputs{}, err
	}

	in.Performance = map[Horizon]PerformanceMetrics{Horizon24h: perf24, Horizon7d: perf7}
	return in, nil
}

func checked(name string, v interface{}, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownstreamUnavailable, name, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMetrics, name, err)
	}
	return nil
}

// #endregion collect

// #region queries
// Latest returns the newest run for h, or nil when none exists.
func (e *Evaluator) Latest(ctx context.Context, h Horizon) (*CheckResult, error) {
	return latestResult(ctx, e.db, h)
}

// Status returns the newest run's status, StatusUnknown when none exists.
// A permission revoked after that run (collector outage, failed write)
// reports BLOCKED.
func (e *Evaluator) Status(ctx context.Context, h Horizon) (Status, error) {
	r, err := latestResult(ctx, e.db, h)
	if err != nil {
		return StatusUnknown, err
	}
	if r == nil {
		return StatusUnknown, nil
	}
	if r.Status != StatusPassed {
		return r.Status, nil
	}
	allowed, err := e.flag.Allowed(ctx, h)
	if err != nil {
		return StatusUnknown, err
	}
	if !allowed {
		return StatusBlocked, nil
	}
	return StatusPassed, nil
}

// IsTrainingAllowed requires both a PASSED newest run and a set permission
// flag. No run, a revoked flag or a read error all mean false.
func (e *Evaluator) IsTrainingAllowed(ctx context.Context, h Horizon) (bool, error) {
	st, err := e.Status(ctx, h)
	if err != nil {
		return false, err
	}
	return st == StatusPassed, nil
}

// History lists recent runs for h, newest first.
func (e *Evaluator) History(ctx context.Context, h Horizon, limit int) ([]CheckResult, error) {
	return listResults(ctx, e.db, h, limit)
}

// #endregion queries
