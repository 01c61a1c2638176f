package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

var testKey = ledger.Key{Scope: "actor", ScopeID: "a-1", Target: "alpha", Key: "evidence"}

func feedback(id string, score float64) Event {
	return Event{ID: id, Feedback: update.Feedback{Key: testKey, Score: score, Reason: "test"}}
}

// #region harness-tests
func TestReplay_Empty(t *testing.T) {
	results, final, err := Replay(context.Background(), nil, nil, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, final)

	s := Summarize(results, final)
	assert.Equal(t, 0, s.TotalEvents)
}

func TestReplay_RunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	seeds := []Seed{{Key: testKey, Base: 0.5}}
	events := []Event{feedback("e1", 1)}

	for i := 0; i < 2; i++ {
		results, final, err := Replay(ctx, seeds, events, DefaultConfig())
		require.NoError(t, err)
		require.Len(t, final, 1)
		assert.InDelta(t, 0.55, results[0].Weight, 1e-9)
		assert.Equal(t, int64(1), final[0].EvidenceCount)
	}
}

func TestReplay_InvalidScoreAborts(t *testing.T) {
	seeds := []Seed{{Key: testKey, Base: 0.5}}
	_, _, err := Replay(context.Background(), seeds, []Event{feedback("bad", 2)}, DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, update.ErrInvalidFeedback)
	assert.Contains(t, err.Error(), "event bad")
}

func TestReplay_StaysInCorridor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapPolicy = update.NoDriftCap{}
	cfg.LearningRate = 0.2

	var events []Event
	for i := 0; i < 40; i++ {
		score := 1.0
		if i%3 == 0 {
			score = -1
		}
		events = append(events, feedback("e", score))
	}
	results, final, err := Replay(context.Background(), []Seed{{Key: testKey, Base: 0.5}}, events, cfg)
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Weight, 0.3-1e-12)
		assert.LessOrEqual(t, r.Weight, 0.7+1e-12)
	}
	require.Len(t, final, 1)
	assert.LessOrEqual(t, len(final[0].History), ledger.MaxHistory)
}

func TestSummarize_CountsActions(t *testing.T) {
	results := []Result{
		{Action: update.ActionApplied, HitBoundary: true},
		{Action: update.ActionApplied},
		{Action: update.ActionFrozen, HitBoundary: true},
		{Action: update.ActionSkipped},
		{Action: update.ActionNotFound},
	}
	final := []ledger.WeightRecord{{Frozen: true}, {}}

	s := Summarize(results, final)
	assert.Equal(t, 5, s.TotalEvents)
	assert.Equal(t, 2, s.Applied)
	assert.Equal(t, 1, s.Frozen)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.NotFound)
	assert.Equal(t, 1, s.BoundaryHits)
	assert.Equal(t, 1, s.FrozenWeights)
}

// #endregion harness-tests
