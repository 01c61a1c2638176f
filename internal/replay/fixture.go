package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Weights         []FixtureWeight         `json:"weights"`
	Events          []FixtureEvent          `json:"events"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig carries the run parameters. Zero values fall back to DefaultConfig.
type FixtureConfig struct {
	LearningRate float64          `json:"learning_rate"`
	Corridor     *ledger.Corridor `json:"corridor,omitempty"`
	CapPolicy    string           `json:"cap_policy"`
	CapLimit     float64          `json:"cap_limit"`
}

// FixtureWeight seeds one ledger record.
type FixtureWeight struct {
	Key  ledger.Key `json:"key"`
	Base float64    `json:"base"`
}

// FixtureEvent mirrors Event with JSON tags.
type FixtureEvent struct {
	ID     string     `json:"id"`
	Key    ledger.Key `json:"key"`
	Score  float64    `json:"score"`
	Reason string     `json:"reason"`
}

// FixtureExpectedResult captures the expected outcome per event.
type FixtureExpectedResult struct {
	ID          string  `json:"id"`
	Action      string  `json:"action"`
	Weight      float64 `json:"weight"`
	HitBoundary bool    `json:"hit_boundary"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Seeds converts the fixture weights to domain seeds.
func (f *Fixture) Seeds() []Seed {
	seeds := make([]Seed, len(f.Weights))
	for i, w := range f.Weights {
		seeds[i] = Seed{Key: w.Key, Base: w.Base}
	}
	return seeds
}

// ToEvents converts the fixture events to domain events.
func (f *Fixture) ToEvents() []Event {
	events := make([]Event, len(f.Events))
	for i, e := range f.Events {
		events[i] = Event{
			ID:       e.ID,
			Feedback: update.Feedback{Key: e.Key, Score: e.Score, Reason: e.Reason},
		}
	}
	return events
}

// ToReplayConfig converts a FixtureConfig to a domain Config.
func (fc *FixtureConfig) ToReplayConfig() (Config, error) {
	cfg := DefaultConfig()
	if fc.LearningRate > 0 {
		cfg.LearningRate = fc.LearningRate
	}
	if fc.Corridor != nil {
		cfg.Corridor = *fc.Corridor
	}
	policy, err := update.PolicyFromName(fc.CapPolicy, fc.CapLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.CapPolicy = policy
	return cfg, nil
}

// #endregion fixture-loader
