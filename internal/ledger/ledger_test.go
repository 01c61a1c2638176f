package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region helpers
func tempLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := NewLedger(db, DefaultCorridor())
	require.NoError(t, err)
	return l
}

func testKey(k string) Key {
	return Key{Scope: "actor", ScopeID: "a-1", Target: "alpha", Key: k}
}

// #endregion helpers

// #region get-or-create-tests
func TestGetOrCreate_ComputesCorridor(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	rec, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)

	assert.Equal(t, 0.5, rec.BaseWeight)
	assert.Equal(t, 0.5, rec.CurrentWeight)
	assert.InDelta(t, 0.3, rec.MinWeight, 1e-12)
	assert.InDelta(t, 0.7, rec.MaxWeight, 1e-12)
	assert.Equal(t, DirectionStable, rec.DriftDirection)
	assert.False(t, rec.Frozen)
	assert.Empty(t, rec.History)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	first, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)

	// A different base on a later call must not change the stored record.
	for i := 0; i < 5; i++ {
		again, err := l.GetOrCreate(ctx, testKey("w"), 0.9)
		require.NoError(t, err)
		assert.Equal(t, first.BaseWeight, again.BaseWeight)
		assert.Equal(t, first.MaxWeight, again.MaxWeight)
		assert.Equal(t, first.Version, again.Version)
	}

	all, err := l.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreate_ZeroBaseGetsMinimumCorridor(t *testing.T) {
	l := tempLedger(t)
	rec, err := l.GetOrCreate(context.Background(), testKey("zero"), 0)
	require.NoError(t, err)
	assert.InDelta(t, -0.05, rec.MinWeight, 1e-12)
	assert.InDelta(t, 0.05, rec.MaxWeight, 1e-12)
}

func TestGetOrCreate_RejectsIncompleteKey(t *testing.T) {
	l := tempLedger(t)
	_, err := l.GetOrCreate(context.Background(), Key{Scope: "actor"}, 0.5)
	assert.Error(t, err)
}

// #endregion get-or-create-tests

// #region get-save-tests
func TestGet_Missing(t *testing.T) {
	l := tempLedger(t)
	rec, err := l.Get(context.Background(), testKey("nope"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSave_RoundTripsMutableFields(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	rec, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)

	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec.CurrentWeight = 0.6
	rec.TotalPositive = 2
	rec.EvidenceCount = 2
	rec.CumulativeDrift = 0.1
	rec.RecomputeDrift()
	rec.HitBoundaryCount = 1
	rec.Frozen = true
	rec.FrozenAt = ts
	rec.FrozenReason = "cap"
	rec.AppendHistory(Adjustment{Timestamp: ts, OldWeight: 0.5, NewWeight: 0.6, Reason: "outcome", FeedbackScore: 1, Version: 1})
	require.NoError(t, l.Save(ctx, rec))

	got, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.6, got.CurrentWeight, 1e-12)
	assert.InDelta(t, 0.1, got.DriftFromBase, 1e-12)
	assert.Equal(t, DirectionUp, got.DriftDirection)
	assert.True(t, got.Frozen)
	assert.True(t, ts.Equal(got.FrozenAt))
	assert.Equal(t, "cap", got.FrozenReason)
	assert.Equal(t, int64(1), got.HitBoundaryCount)
	require.Len(t, got.History, 1)
	assert.Equal(t, "outcome", got.History[0].Reason)
	assert.Equal(t, rec.Version+1, got.Version)
}

func TestSave_ReclampsAgainstStoredBounds(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	rec, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)

	rec.CurrentWeight = 5.0
	require.NoError(t, l.Save(ctx, rec))

	got, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	assert.Equal(t, got.MaxWeight, got.CurrentWeight)
	assert.InDelta(t, got.MaxWeight-got.BaseWeight, got.DriftFromBase, 1e-12)

	rec.CurrentWeight = -5.0
	require.NoError(t, l.Save(ctx, rec))
	got, err = l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	assert.Equal(t, got.MinWeight, got.CurrentWeight)
}

func TestSave_StaleWriterCannotUnfreeze(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	_, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)
	a, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	b, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)

	b.Frozen = true
	b.FrozenAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	b.FrozenReason = "cap"
	require.NoError(t, l.Save(ctx, *b))

	a.CurrentWeight = 0.6
	a.EvidenceCount = 1
	a.RecomputeDrift()
	err = l.Save(ctx, *a)
	assert.ErrorIs(t, err, ErrFrozen)

	got, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	assert.True(t, got.Frozen)
	assert.Equal(t, "cap", got.FrozenReason)
	assert.Equal(t, 0.5, got.CurrentWeight)
	assert.Equal(t, int64(0), got.EvidenceCount)

	ok, err := l.Reset(ctx, testKey("w"))
	require.NoError(t, err)
	require.True(t, ok)
	fresh, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	fresh.CurrentWeight = 0.6
	require.NoError(t, l.Save(ctx, *fresh))
}

func TestSave_MissingRecord(t *testing.T) {
	l := tempLedger(t)
	err := l.Save(context.Background(), WeightRecord{Key: testKey("ghost")})
	assert.Error(t, err)
}

// #endregion get-save-tests

// #region history-tests
func TestAppendHistory_EvictsOldestFirst(t *testing.T) {
	var rec WeightRecord
	for i := 0; i < MaxHistory+7; i++ {
		rec.AppendHistory(Adjustment{Version: int64(i)})
		assert.LessOrEqual(t, len(rec.History), MaxHistory)
	}
	require.Len(t, rec.History, MaxHistory)
	assert.Equal(t, int64(7), rec.History[0].Version)
	assert.Equal(t, int64(MaxHistory+6), rec.History[MaxHistory-1].Version)
}

func TestClone_DetachesHistory(t *testing.T) {
	rec := WeightRecord{History: []Adjustment{{Reason: "a"}}}
	c := rec.Clone()
	c.History[0].Reason = "b"
	assert.Equal(t, "a", rec.History[0].Reason)
}

func TestDirectionOf(t *testing.T) {
	assert.Equal(t, DirectionUp, DirectionOf(0.01))
	assert.Equal(t, DirectionDown, DirectionOf(-0.01))
	assert.Equal(t, DirectionStable, DirectionOf(1e-12))
}

// #endregion history-tests

// #region aggregate-reset-tests
func TestAggregateDrift(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	empty, err := l.AggregateDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.TotalWeights)
	assert.Equal(t, 0.0, empty.FrozenRatio())

	drifts := []float64{0.1, -0.2, 0}
	for i, d := range drifts {
		rec, err := l.GetOrCreate(ctx, testKey(fmt.Sprintf("w%d", i)), 0.5)
		require.NoError(t, err)
		rec.CurrentWeight = 0.5 + d
		rec.Frozen = i == 1
		rec.RecomputeDrift()
		require.NoError(t, l.Save(ctx, rec))
	}

	s, err := l.AggregateDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalWeights)
	assert.Equal(t, int64(1), s.FrozenWeights)
	assert.InDelta(t, 0.2, s.MaxAbsDrift, 1e-9)
	assert.InDelta(t, 0.1, s.AvgAbsDrift, 1e-9)
	assert.InDelta(t, 1.0/3.0, s.FrozenRatio(), 1e-9)
}

func TestReset_SingleRecord(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	rec, err := l.GetOrCreate(ctx, testKey("w"), 0.5)
	require.NoError(t, err)
	rec.CurrentWeight = 0.65
	rec.EvidenceCount = 3
	rec.Frozen = true
	rec.FrozenReason = "cap"
	rec.AppendHistory(Adjustment{Reason: "x"})
	rec.RecomputeDrift()
	require.NoError(t, l.Save(ctx, rec))

	ok, err := l.Reset(ctx, testKey("w"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.Get(ctx, testKey("w"))
	require.NoError(t, err)
	assert.Equal(t, got.BaseWeight, got.CurrentWeight)
	assert.False(t, got.Frozen)
	assert.Empty(t, got.FrozenReason)
	assert.Empty(t, got.History)
	assert.Equal(t, 0.0, got.DriftFromBase)
	assert.Equal(t, int64(3), got.EvidenceCount)

	ok, err = l.Reset(ctx, testKey("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetAll(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec, err := l.GetOrCreate(ctx, testKey(fmt.Sprintf("w%d", i)), 0.5)
		require.NoError(t, err)
		rec.CurrentWeight = 0.6
		rec.Frozen = true
		rec.RecomputeDrift()
		require.NoError(t, l.Save(ctx, rec))
	}

	n, err := l.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	s, err := l.AggregateDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.FrozenWeights)
	assert.Equal(t, 0.0, s.MaxAbsDrift)
}

// #endregion aggregate-reset-tests

// #region list-tests
func TestList_Filters(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	_, err := l.GetOrCreate(ctx, Key{Scope: "actor", ScopeID: "a", Target: "t1", Key: "k"}, 0.5)
	require.NoError(t, err)
	_, err = l.GetOrCreate(ctx, Key{Scope: "actor", ScopeID: "b", Target: "t2", Key: "k"}, 0.5)
	require.NoError(t, err)
	frozen, err := l.GetOrCreate(ctx, Key{Scope: "bundle", ScopeID: "c", Target: "t1", Key: "k"}, 0.5)
	require.NoError(t, err)
	frozen.Frozen = true
	require.NoError(t, l.Save(ctx, frozen))

	byScope, err := l.List(ctx, ListFilter{Scope: "actor"})
	require.NoError(t, err)
	assert.Len(t, byScope, 2)

	byTarget, err := l.List(ctx, ListFilter{Target: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	onlyFrozen, err := l.List(ctx, ListFilter{FrozenOnly: true})
	require.NoError(t, err)
	require.Len(t, onlyFrozen, 1)
	assert.Equal(t, "bundle", onlyFrozen[0].Key.Scope)

	limited, err := l.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// #endregion list-tests
