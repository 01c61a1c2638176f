package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region fixture-tests

// runFixture loads a fixture, replays it and checks every event against the
// expected action, weight and boundary flag.
func runFixture(t *testing.T, name string) ([]Result, Summary) {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", name))
	require.NoError(t, err)

	cfg, err := f.Config.ToReplayConfig()
	require.NoError(t, err)

	results, final, err := Replay(context.Background(), f.Seeds(), f.ToEvents(), cfg)
	require.NoError(t, err)
	require.Len(t, results, len(f.ExpectedResults))

	for i, expected := range f.ExpectedResults {
		actual := results[i]
		assert.Equal(t, expected.ID, actual.EventID, "event %d", i)
		assert.Equal(t, expected.Action, string(actual.Action), "event %s (%s)", expected.ID, actual.Reason)
		assert.InDelta(t, expected.Weight, actual.Weight, 1e-9, "event %s weight", expected.ID)
		assert.Equal(t, expected.HitBoundary, actual.HitBoundary, "event %s boundary", expected.ID)
	}
	return results, Summarize(results, final)
}

func TestFixture_ClampUpper(t *testing.T) {
	_, s := runFixture(t, "clamp_upper.json")

	assert.Equal(t, 10, s.TotalEvents)
	assert.Equal(t, 10, s.Applied)
	assert.Equal(t, 7, s.BoundaryHits)
	require.Len(t, s.FinalWeights, 1)
	w := s.FinalWeights[0]
	assert.InDelta(t, 0.7, w.CurrentWeight, 1e-9)
	assert.Equal(t, int64(7), w.HitBoundaryCount)
	assert.Equal(t, int64(10), w.EvidenceCount)
	assert.False(t, w.Frozen)
}

func TestFixture_RelativeFreeze(t *testing.T) {
	results, s := runFixture(t, "relative_freeze.json")

	assert.Equal(t, 2, s.Applied)
	assert.Equal(t, 1, s.Frozen)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.NotFound)
	assert.Equal(t, 1, s.FrozenWeights)
	assert.Contains(t, results[2].Reason, "relative drift")
	assert.True(t, results[3].Frozen)
}

func TestLoadFixture_Missing(t *testing.T) {
	_, err := LoadFixture(filepath.Join("testdata", "nope.json"))
	assert.Error(t, err)
}

func TestToReplayConfig_Defaults(t *testing.T) {
	fc := FixtureConfig{}
	cfg, err := fc.ToReplayConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.LearningRate)
	assert.Equal(t, update.DefaultCapPolicy(), cfg.CapPolicy)

	fc.CapPolicy = "bogus"
	_, err = fc.ToReplayConfig()
	assert.Error(t, err)
}

// #endregion fixture-tests
