// Package replay dry-runs a recorded feedback stream through a private
// in-memory ledger and the bounded update engine.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region types
// Seed is a weight created before the first event.
type Seed struct {
	Key  ledger.Key
	Base float64
}

// Event is one recorded feedback event.
type Event struct {
	ID       string
	Feedback update.Feedback
}

// Config bundles the ledger corridor, the cap policy and the fixed rate of a run.
type Config struct {
	Corridor     ledger.Corridor
	CapPolicy    update.DriftCapPolicy
	LearningRate float64
	Logger       *slog.Logger
	Start        time.Time // clock origin; each event advances it by one second
}

// DefaultConfig mirrors the production defaults at the base learning rate.
func DefaultConfig() Config {
	return Config{
		Corridor:     ledger.DefaultCorridor(),
		CapPolicy:    update.DefaultCapPolicy(),
		LearningRate: 0.05,
		Start:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Result captures the outcome of replaying one event.
type Result struct {
	EventID     string
	Key         string
	Action      update.Action
	Reason      string
	Weight      float64 // 0 when the key was never seeded
	Delta       float64
	HitBoundary bool
	Frozen      bool
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalEvents   int
	Applied       int
	Frozen        int
	Skipped       int
	NotFound      int
	BoundaryHits  int
	FinalWeights  []ledger.WeightRecord
	FrozenWeights int
}

// #endregion types

// #region replay
type fixedRate float64

func (r fixedRate) EffectiveLearningRate(context.Context) (float64, error) { return float64(r), nil }

// Replay seeds a fresh in-memory ledger, applies every event in order and
// returns the per-event results with the final ledger contents.
func Replay(ctx context.Context, seeds []Seed, events []Event, config Config) ([]Result, []ledger.WeightRecord, error) {
	db, err := store.OpenMemory()
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	l, err := ledger.NewLedger(db, config.Corridor)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range seeds {
		if _, err := l.GetOrCreate(ctx, s.Key, s.Base); err != nil {
			return nil, nil, fmt.Errorf("seed %s: %w", s.Key, err)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := config.Start
	if clock.IsZero() {
		clock = DefaultConfig().Start
	}
	engine := update.NewEngine(l, fixedRate(config.LearningRate), update.Config{
		CapPolicy: config.CapPolicy,
		Logger:    logger,
		Now:       func() time.Time { return clock },
	})

	results := make([]Result, 0, len(events))
	for _, ev := range events {
		clock = clock.Add(time.Second)

		res, err := engine.Apply(ctx, ev.Feedback)
		if err != nil {
			return nil, nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		r := Result{
			EventID:     ev.ID,
			Key:         ev.Feedback.Key.String(),
			Action:      res.Action,
			Reason:      ev.Feedback.Reason,
			Delta:       res.Delta,
			HitBoundary: res.HitBoundary,
			Frozen:      res.Frozen,
		}
		if res.Weight != nil {
			r.Weight = *res.Weight
		}
		if res.Action == update.ActionFrozen {
			r.Reason = res.FrozenReason
		}
		results = append(results, r)
	}

	final, err := l.List(ctx, ledger.ListFilter{})
	if err != nil {
		return nil, nil, err
	}
	return results, final, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result, final []ledger.WeightRecord) Summary {
	s := Summary{
		TotalEvents:  len(results),
		FinalWeights: final,
	}
	for _, r := range results {
		switch r.Action {
		case update.ActionApplied:
			s.Applied++
		case update.ActionFrozen:
			s.Frozen++
		case update.ActionSkipped:
			s.Skipped++
		case update.ActionNotFound:
			s.NotFound++
		}
		if r.HitBoundary && r.Action == update.ActionApplied {
			s.BoundaryHits++
		}
	}
	for _, w := range final {
		if w.Frozen {
			s.FrozenWeights++
		}
	}
	return s
}

// #endregion replay
