// Package shadow compares a reference engine with the current engine on the
// same subjects, aggregates their divergence over a rolling window and turns
// it into a verdict that engine routers read before serving live decisions.
package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

var (
	tracer   = otel.Tracer("safety-controller/shadow")
	validate = validator.New()
)

// #region config
// Auditor records verdict changes. Failures are the auditor's problem.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Config tunes the kill switch.
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

// #endregion config

// #region kill-switch
// KillSwitch owns the shadow_snapshots and shadow_verdicts tables.
type KillSwitch struct {
	db        *sql.DB
	reference DecisionSource
	current   DecisionSource
	cfg       Config
	audit     Auditor
	logger    *slog.Logger
}

// NewKillSwitch creates the shadow tables if needed.
func NewKillSwitch(db *sql.DB, reference, current DecisionSource, cfg Config) (*KillSwitch, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("shadow schema: %w", err)
	}
	if cfg.Thresholds.WindowSize <= 0 {
		cfg.Thresholds.WindowSize = DefaultThresholds().WindowSize
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
	return &KillSwitch{
		db:        db,
		reference: reference,
		current:   current,
		cfg:       cfg,
		audit:     aud,
		logger:    cfg.Logger,
	}, nil
}

// #endregion kill-switch

// #region compare
// Compare asks both engines about subject, persists the snapshot and returns it.
func (k *KillSwitch) Compare(ctx context.Context, subject, window string) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "shadow.KillSwitch.Compare",
		trace.WithAttributes(attribute.String("shadow.window", window)))
	defer span.End()

	var v1, v2 Decision
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		v1, err = decide(gctx, k.reference, "reference", subject, window)
		return err
	})
	g.Go(func() (err error) {
		v2, err = decide(gctx, k.current, "current", subject, window)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Snapshot{}, fmt.Errorf("compare %s/%s: %w", window, subject, err)
	}

	snap := Snapshot{
		ID:        uuid.New().String(),
		Subject:   subject,
		Window:    window,
		V1:        v1,
		V2:        v2,
		Diff:      Compute(v1, v2),
		CreatedAt: k.cfg.Now().UTC(),
	}
	if err := insertSnapshot(ctx, k.db, snap); err != nil {
		return Snapshot{}, fmt.Errorf("compare %s/%s: %w", window, subject, err)
	}

	metrics.ShadowComparisonsTotal.WithLabelValues(window, strconv.FormatBool(snap.Diff.DecisionChanged)).Inc()
	span.SetAttributes(attribute.Bool("shadow.decision_changed", snap.Diff.DecisionChanged))
	k.logger.Debug("shadow comparison",
		"subject", subject,
		"window", window,
		"v1", v1.Action,
		"v2", v2.Action,
		"changed", snap.Diff.DecisionChanged,
	)
	return snap, nil
}

func decide(ctx context.Context, src DecisionSource, name, subject, window string) (Decision, error) {
	d, err := src.Decide(ctx, subject, window)
	if err != nil {
		return Decision{}, fmt.Errorf("%s engine: %w", name, err)
	}
	if err := validate.Struct(d); err != nil {
		return Decision{}, fmt.Errorf("%w: %s engine: %v", ErrInvalidDecision, name, err)
	}
	return d, nil
}

// #endregion compare

// #region metrics
// Metrics aggregates the most recent WindowSize snapshots for window.
func (k *KillSwitch) Metrics(ctx context.Context, window string) (Metrics, error) {
	snaps, err := recentSnapshots(ctx, k.db, window, k.cfg.Thresholds.WindowSize)
	if err != nil {
		return Metrics{}, fmt.Errorf("shadow metrics %s: %w", window, err)
	}
	return Aggregate(window, snaps), nil
}

// Snapshots lists recent comparisons for window, newest first.
func (k *KillSwitch) Snapshots(ctx context.Context, window string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = k.cfg.Thresholds.WindowSize
	}
	return recentSnapshots(ctx, k.db, window, limit)
}

// #endregion metrics

// #region check
// Check evaluates the window and persists the verdict routers read.
func (k *KillSwitch) Check(ctx context.Context, window string) (Evaluation, error) {
	ctx, span := tracer.Start(ctx, "shadow.KillSwitch.Check",
		trace.WithAttributes(attribute.String("shadow.window", window)))
	defer span.End()

	m, err := k.Metrics(ctx, window)
	if err != nil {
		span.RecordError(err)
		return Evaluation{}, err
	}

	prev, err := latestEvaluation(ctx, k.db, window)
	if err != nil {
		return Evaluation{}, fmt.Errorf("shadow check %s: %w", window, err)
	}

	ev := Evaluate(m, k.cfg.Thresholds)
	ev.CheckedAt = k.cfg.Now().UTC()
	id := uuid.New().String()
	if err := insertVerdict(ctx, k.db, id, ev); err != nil {
		span.RecordError(err)
		return Evaluation{}, fmt.Errorf("shadow check %s: %w", window, err)
	}

	metrics.ShadowAgreementRate.WithLabelValues(window).Set(m.AgreementRate)
	metrics.SetOneHot(metrics.KillSwitchVerdict, AllVerdicts, string(ev.Verdict), window)
	span.SetAttributes(
		attribute.String("shadow.verdict", string(ev.Verdict)),
		attribute.Float64("shadow.agreement_rate", m.AgreementRate),
		attribute.Int("shadow.samples", m.Samples),
	)

	if prev == nil || prev.Verdict != ev.Verdict {
		k.audit.Record(ctx, audit.Entry{
			Component:   audit.ComponentShadow,
			Action:      "verdict",
			Actor:       "kill_switch",
			SubjectID:   window,
			Reason:      string(ev.Verdict),
			DetailsJSON: audit.Details(ev.Metrics),
		})
	}

	switch ev.Verdict {
	case VerdictForceV1:
		k.logger.Warn("kill switch forcing reference engine",
			"window", window, "agreement_rate", m.AgreementRate, "samples", m.Samples)
	case VerdictAlert:
		k.logger.Warn("kill switch alert", "window", window, "warnings", ev.Warnings)
	default:
		k.logger.Debug("kill switch ok", "window", window, "agreement_rate", m.AgreementRate)
	}
	return ev, nil
}

// #endregion check

// #region latest
// LatestVerdict returns the newest persisted verdict, VerdictUnknown when the
// window was never checked.
func (k *KillSwitch) LatestVerdict(ctx context.Context, window string) (Verdict, error) {
	ev, err := latestEvaluation(ctx, k.db, window)
	if err != nil {
		return VerdictUnknown, err
	}
	if ev == nil {
		return VerdictUnknown, nil
	}
	return ev.Verdict, nil
}

// LatestEvaluation returns the newest persisted evaluation or nil.
func (k *KillSwitch) LatestEvaluation(ctx context.Context, window string) (*Evaluation, error) {
	return latestEvaluation(ctx, k.db, window)
}

// #endregion latest
