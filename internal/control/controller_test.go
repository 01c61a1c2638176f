package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region helpers
type fakeWeights struct {
	summary ledger.DriftSummary
	aggErr  error
	resetN  int64
	resets  int
}

func (f *fakeWeights) AggregateDrift(context.Context) (ledger.DriftSummary, error) {
	return f.summary, f.aggErr
}

func (f *fakeWeights) ResetAll(context.Context) (int64, error) {
	f.resets++
	f.summary = ledger.DriftSummary{TotalWeights: f.summary.TotalWeights}
	return f.resetN, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupController(t *testing.T, w Weights) (*Controller, *sql.DB, *clock) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{t: t0}
	cfg := DefaultConfig()
	cfg.Now = clk.now
	c, err := NewController(db, w, cfg)
	require.NoError(t, err)
	return c, db, clk
}

// #endregion helpers

// #region get-or-create-tests
func TestGetOrCreate_SeedsDefaults(t *testing.T) {
	c, _, _ := setupController(t, &fakeWeights{})
	ctx := context.Background()

	lc, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "global", lc.ControlID)
	assert.Equal(t, StatusActive, lc.Status)
	assert.Equal(t, int64(1), lc.Version)
	assert.Equal(t, 1.0, lc.HealthScore)
	assert.InDelta(t, 0.05, lc.EffectiveLearningRate, 1e-12)
	assert.True(t, lc.EpochStartedAt.Equal(t0))

	again, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lc, again)
}

// #endregion get-or-create-tests

// #region rate-tests
func TestEffectiveLearningRate_FrozenIsExactlyZero(t *testing.T) {
	c, db, _ := setupController(t, &fakeWeights{})
	ctx := context.Background()

	_, err := c.Freeze(ctx, "incident", "ops")
	require.NoError(t, err)

	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)

	var stored float64
	require.NoError(t, db.QueryRow("SELECT effective_learning_rate FROM learning_control").Scan(&stored))
	assert.Equal(t, 0.0, stored)
}

func TestEffectiveLearningRate_HalfLifeDecay(t *testing.T) {
	c, _, clk := setupController(t, &fakeWeights{})
	ctx := context.Background()
	_, err := c.GetOrCreate(ctx)
	require.NoError(t, err)

	clk.t = t0.Add(30 * 24 * time.Hour)
	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.025, rate, 1e-9)
}

func TestEffectiveLearningRate_ClampedToMin(t *testing.T) {
	c, _, clk := setupController(t, &fakeWeights{})
	ctx := context.Background()
	_, err := c.GetOrCreate(ctx)
	require.NoError(t, err)

	clk.t = t0.Add(365 * 24 * time.Hour)
	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, rate, 1e-12)
}

func TestEffectiveLearningRate_ScaledByHealth(t *testing.T) {
	w := &fakeWeights{summary: ledger.DriftSummary{TotalWeights: 4, MaxAbsDrift: 0.125}}
	c, _, _ := setupController(t, w)
	ctx := context.Background()

	report, err := c.CheckDriftGuard(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, report.HealthScore, 1e-12)

	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.05*0.85, rate, 1e-12)
}

func TestEffectiveLearningRate_OverridePinned(t *testing.T) {
	c, _, clk := setupController(t, &fakeWeights{})
	ctx := context.Background()

	_, err := c.OverrideRate(ctx, 0.1, "ops")
	require.NoError(t, err)

	clk.t = t0.Add(90 * 24 * time.Hour)
	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1, rate)
}

// #endregion rate-tests

// #region health-tests
func TestComputeHealth(t *testing.T) {
	cases := []struct {
		name        string
		status      Status
		maxDrift    float64
		frozenRatio float64
		want        float64
	}{
		{"active clean", StatusActive, 0, 0, 1},
		{"frozen clean", StatusFrozen, 0, 0, 0.5},
		{"degraded clean", StatusDegraded, 0, 0, 0.7},
		{"half threshold drift", StatusActive, 0.125, 0, 0.85},
		{"drift penalty capped", StatusDegraded, 0.5, 0, 0.4},
		{"frozen weights", StatusActive, 0, 0.4, 0.8},
		{"floored at zero", StatusFrozen, 1, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ComputeHealth(tc.status, tc.maxDrift, 0.25, tc.frozenRatio), 1e-12)
		})
	}
}

func TestCalculateHealthScore_Persists(t *testing.T) {
	w := &fakeWeights{summary: ledger.DriftSummary{TotalWeights: 10, FrozenWeights: 2}}
	c, _, _ := setupController(t, w)
	ctx := context.Background()

	h, err := c.CalculateHealthScore(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, h, 1e-12)

	lc, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, lc.HealthScore, 1e-12)
}

// #endregion health-tests

// #region drift-guard-tests
func TestCheckDriftGuard_DegradesOnExcessDrift(t *testing.T) {
	w := &fakeWeights{summary: ledger.DriftSummary{TotalWeights: 5, MaxAbsDrift: 0.3, AvgAbsDrift: 0.1}}
	rec := &captureAuditor{}
	c, _, _ := setupController(t, w)
	c.audit = rec
	ctx := context.Background()

	report, err := c.CheckDriftGuard(ctx)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.False(t, report.Healthy)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.InDelta(t, 0.4, report.HealthScore, 1e-12)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "confidence floor")

	lc, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lc.DriftFreezeCount)
	assert.Contains(t, lc.StatusReason, "exceeds threshold")
	assert.InDelta(t, 0.3, lc.CurrentMaxDrift, 1e-12)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "degrade", rec.entries[0].Action)

	// already degraded: no second transition
	report, err = c.CheckDriftGuard(ctx)
	require.NoError(t, err)
	assert.False(t, report.Degraded)
	lc, err = c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lc.DriftFreezeCount)
}

func TestCheckDriftGuard_FrozenRatioWarning(t *testing.T) {
	w := &fakeWeights{summary: ledger.DriftSummary{TotalWeights: 10, FrozenWeights: 3}}
	c, _, _ := setupController(t, w)

	report, err := c.CheckDriftGuard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, report.Status)
	assert.False(t, report.Healthy)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "frozen weight ratio")
}

func TestCheckDriftGuard_Healthy(t *testing.T) {
	w := &fakeWeights{summary: ledger.DriftSummary{TotalWeights: 10, MaxAbsDrift: 0.05}}
	c, _, _ := setupController(t, w)

	report, err := c.CheckDriftGuard(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Warnings)
}

func TestCheckDriftGuard_FrozenStaysFrozen(t *testing.T) {
	w := &fakeWeights{}
	c, _, _ := setupController(t, w)
	ctx := context.Background()
	_, err := c.Freeze(ctx, "manual", "ops")
	require.NoError(t, err)

	w.summary = ledger.DriftSummary{TotalWeights: 3, MaxAbsDrift: 0.9}
	report, err := c.CheckDriftGuard(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, report.Status)
	assert.False(t, report.Degraded)
}

func TestCheckDriftGuard_AggregateError(t *testing.T) {
	boom := errors.New("disk gone")
	c, _, _ := setupController(t, &fakeWeights{aggErr: boom})

	_, err := c.CheckDriftGuard(context.Background())
	assert.ErrorIs(t, err, boom)
}

// #endregion drift-guard-tests

// #region transition-tests
func TestTransitions(t *testing.T) {
	c, _, clk := setupController(t, &fakeWeights{})
	ctx := context.Background()

	_, err := c.Unfreeze(ctx, "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	lc, err := c.Freeze(ctx, "incident 42", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, lc.Status)
	assert.Equal(t, 1, lc.TotalFreezeEvents)
	assert.Equal(t, "alice", lc.OverrideBy)
	assert.True(t, lc.LastFreezeAt.Equal(t0))
	assert.Equal(t, 0.5, lc.HealthScore)

	_, err = c.Freeze(ctx, "again", "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.OverrideRate(ctx, 0.1, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	clk.t = t0.Add(time.Hour)
	lc, err = c.Unfreeze(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, lc.Status)
	assert.Equal(t, "bob", lc.OverrideBy)
	assert.True(t, lc.LastUnfreezeAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, 0.05, lc.EffectiveLearningRate)

	lc, err = c.OverrideRate(ctx, 0.5, "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusManualOverride, lc.Status)
	assert.Equal(t, 0.2, lc.OverrideRate)
	assert.Equal(t, 0.2, lc.EffectiveLearningRate)

	lc, err = c.Unfreeze(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, lc.Status)
	assert.Equal(t, 0.0, lc.OverrideRate)

	// freeze is allowed again once active
	lc, err = c.Freeze(ctx, "second", "dave")
	require.NoError(t, err)
	assert.Equal(t, 2, lc.TotalFreezeEvents)
	assert.Equal(t, int64(6), lc.Version)
}

func TestOverrideRate_RejectsInvalid(t *testing.T) {
	c, _, _ := setupController(t, &fakeWeights{})

	_, err := c.OverrideRate(context.Background(), -0.1, "ops")
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestResetAdaptiveWeights(t *testing.T) {
	w := &fakeWeights{resetN: 7, summary: ledger.DriftSummary{TotalWeights: 7, MaxAbsDrift: 0.4}}
	c, _, clk := setupController(t, w)
	ctx := context.Background()

	_, err := c.CheckDriftGuard(ctx)
	require.NoError(t, err)
	_, err = c.Freeze(ctx, "runaway", "ops")
	require.NoError(t, err)

	clk.t = t0.Add(10 * 24 * time.Hour)
	n, err := c.ResetAdaptiveWeights(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, 1, w.resets)

	lc, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, lc.Status)
	assert.True(t, lc.EpochStartedAt.Equal(clk.t))
	assert.Equal(t, 1.0, lc.HealthScore)
	assert.Equal(t, 0.0, lc.CurrentMaxDrift)
	assert.InDelta(t, 0.05, lc.EffectiveLearningRate, 1e-12)
}

// #endregion transition-tests

// #region cas-tests
func TestMutate_VersionConflictExhaustsRetries(t *testing.T) {
	c, db, _ := setupController(t, &fakeWeights{})
	ctx := context.Background()
	_, err := c.GetOrCreate(ctx)
	require.NoError(t, err)

	calls := 0
	c.beforeSwap = func(ctx context.Context) {
		calls++
		_, err := db.ExecContext(ctx, "UPDATE learning_control SET version = version + 1")
		require.NoError(t, err)
	}

	_, err = c.Freeze(ctx, "contended", "ops")
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, c.cfg.MaxRetries+1, calls)
}

func TestEffectiveLearningRate_ConflictStillReturnsRate(t *testing.T) {
	c, db, clk := setupController(t, &fakeWeights{})
	ctx := context.Background()
	_, err := c.GetOrCreate(ctx)
	require.NoError(t, err)
	clk.t = t0.Add(24 * time.Hour)

	calls := 0
	c.beforeSwap = func(ctx context.Context) {
		calls++
		_, err := db.ExecContext(ctx, "UPDATE learning_control SET version = version + 1")
		require.NoError(t, err)
	}

	rate, err := c.EffectiveLearningRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Greater(t, rate, 0.0)
	assert.Less(t, rate, 0.05)
}

func TestEffectiveLearningRate_ParallelKeysNeverConflict(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "parallel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := ledger.NewLedger(db, ledger.DefaultCorridor())
	require.NoError(t, err)
	clk := &clock{t: t0}
	cfg := DefaultConfig()
	var mu sync.Mutex
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clk.t = clk.t.Add(time.Minute)
		return clk.t
	}
	c, err := NewController(db, l, cfg)
	require.NoError(t, err)
	eng := update.NewEngine(l, c, update.DefaultConfig())
	ctx := context.Background()

	const keys, steps = 32, 5
	for i := 0; i < keys; i++ {
		_, err := l.GetOrCreate(ctx, ledger.Key{Scope: "token", ScopeID: fmt.Sprintf("T%02d", i), Target: "risk", Key: "k"}, 0.5)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, keys*steps)
	for i := 0; i < keys; i++ {
		key := ledger.Key{Scope: "token", ScopeID: fmt.Sprintf("T%02d", i), Target: "risk", Key: "k"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := 0; s < steps; s++ {
				res, err := eng.AdjustWeight(ctx, key, 1, "outcome")
				if err != nil {
					errs <- err
					continue
				}
				if res.Action != update.ActionApplied {
					errs <- fmt.Errorf("%s: action %s", key, res.Action)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("adjust on distinct key failed: %v", err)
	}

	recs, err := l.List(ctx, ledger.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, keys)
	for _, r := range recs {
		assert.Equal(t, int64(steps), r.EvidenceCount, r.Key.String())
	}
}

func TestMutate_RetriesAfterSingleConflict(t *testing.T) {
	c, db, _ := setupController(t, &fakeWeights{})
	ctx := context.Background()
	_, err := c.GetOrCreate(ctx)
	require.NoError(t, err)

	calls := 0
	c.beforeSwap = func(ctx context.Context) {
		calls++
		if calls == 1 {
			_, err := db.ExecContext(ctx, "UPDATE learning_control SET version = version + 1")
			require.NoError(t, err)
		}
	}

	lc, err := c.Freeze(ctx, "contended", "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(3), lc.Version)
	assert.Equal(t, 1, lc.TotalFreezeEvents)
}

// #endregion cas-tests

// #region integration-tests
func TestController_DrivesUpdateEngine(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := ledger.NewLedger(db, ledger.DefaultCorridor())
	require.NoError(t, err)
	c, err := NewController(db, l, DefaultConfig())
	require.NoError(t, err)
	eng := update.NewEngine(l, c, update.DefaultConfig())
	ctx := context.Background()

	key := ledger.Key{Scope: "token", ScopeID: "BTC", Target: "risk", Key: "volume_spike"}
	_, err = l.GetOrCreate(ctx, key, 0.5)
	require.NoError(t, err)

	res, err := eng.AdjustWeight(ctx, key, 1, "outcome")
	require.NoError(t, err)
	require.NotNil(t, res.Weight)
	assert.Greater(t, *res.Weight, 0.5)
	moved := *res.Weight

	_, err = c.Freeze(ctx, "halt", "ops")
	require.NoError(t, err)

	res, err = eng.AdjustWeight(ctx, key, 1, "outcome")
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Rate)
	assert.Equal(t, moved, *res.Weight)

	n, err := c.ResetAdaptiveWeights(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec.CurrentWeight)
}

// #endregion integration-tests

type captureAuditor struct{ entries []audit.Entry }

func (a *captureAuditor) Record(_ context.Context, e audit.Entry) { a.entries = append(a.entries, e) }
