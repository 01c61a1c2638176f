package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

type stubLearning struct{ status control.Status }

func (s stubLearning) GetOrCreate(context.Context) (control.LearningControl, error) {
	return control.LearningControl{Status: s.status}, nil
}

type stubDrift struct {
	summary ledger.DriftSummary
	err     error
}

func (s stubDrift) AggregateDrift(context.Context) (ledger.DriftSummary, error) {
	return s.summary, s.err
}

type stubVerdicts struct{ v shadow.Verdict }

func (s stubVerdicts) LatestVerdict(context.Context, string) (shadow.Verdict, error) {
	return s.v, nil
}

func TestLocalSafety_Collect(t *testing.T) {
	s := LocalSafety{
		Learning: stubLearning{status: control.StatusFrozen},
		Drift:    stubDrift{summary: ledger.DriftSummary{TotalWeights: 10, FrozenWeights: 1, MaxAbsDrift: 0.12}},
		Verdicts: stubVerdicts{v: shadow.VerdictForceV1},
		Window:   "1h",
	}

	m, err := s.CollectSafety(context.Background(), Horizon24h)
	require.NoError(t, err)
	assert.Equal(t, "frozen", m.LearningStatus)
	assert.InDelta(t, 0.1, m.FrozenWeightRatio, 1e-12)
	assert.Equal(t, "FORCE_V1", m.KillSwitchVerdict)
	assert.Equal(t, 0.12, m.MaxDrift)

	sec := evaluateSafety(m, DefaultThresholds().Safety)
	assert.False(t, sec.Passed)
	assert.Len(t, sec.Reasons, 2)
}

func TestLocalSafety_UnknownVerdictDoesNotBlock(t *testing.T) {
	s := LocalSafety{
		Learning: stubLearning{status: control.StatusActive},
		Drift:    stubDrift{summary: ledger.DriftSummary{TotalWeights: 10}},
		Verdicts: stubVerdicts{v: shadow.VerdictUnknown},
	}

	m, err := s.CollectSafety(context.Background(), Horizon7d)
	require.NoError(t, err)
	assert.True(t, evaluateSafety(m, DefaultThresholds().Safety).Passed)
}

func TestLocalSafety_PropagatesErrors(t *testing.T) {
	boom := errors.New("ledger locked")
	s := LocalSafety{
		Learning: stubLearning{status: control.StatusActive},
		Drift:    stubDrift{err: boom},
		Verdicts: stubVerdicts{v: shadow.VerdictOK},
	}

	_, err := s.CollectSafety(context.Background(), Horizon24h)
	assert.ErrorIs(t, err, boom)
}
