package ledger

import (
	"fmt"
	"math"
	"time"
)

// MaxHistory is the capacity of the per-record adjustment ring.
const MaxHistory = 50

// #region key
// Key identifies one adaptive weight.
type Key struct {
	Scope   string `json:"scope"`
	ScopeID string `json:"scope_id"`
	Target  string `json:"target"`
	Key     string `json:"key"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Scope, k.ScopeID, k.Target, k.Key)
}

// Valid reports whether every component is set.
func (k Key) Valid() bool {
	return k.Scope != "" && k.ScopeID != "" && k.Target != "" && k.Key != ""
}

// #endregion key

// #region direction
// Direction is the sign of a weight's drift from its base.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// driftEpsilon absorbs float noise when classifying drift direction.
const driftEpsilon = 1e-9

// DirectionOf classifies a signed drift.
func DirectionOf(drift float64) Direction {
	switch {
	case drift > driftEpsilon:
		return DirectionUp
	case drift < -driftEpsilon:
		return DirectionDown
	default:
		return DirectionStable
	}
}

// #endregion direction

// #region adjustment
// Adjustment is one entry of a record's bounded history.
type Adjustment struct {
	Timestamp     time.Time `json:"timestamp"`
	OldWeight     float64   `json:"old_weight"`
	NewWeight     float64   `json:"new_weight"`
	Reason        string    `json:"reason"`
	FeedbackScore float64   `json:"feedback_score"`
	Version       int64     `json:"version"`
}

// #endregion adjustment

// #region weight-record
// WeightRecord is the persisted state of one adaptive weight.
type WeightRecord struct {
	Key              Key
	BaseWeight       float64
	CurrentWeight    float64
	MinWeight        float64
	MaxWeight        float64
	TotalPositive    float64
	TotalNegative    float64
	EvidenceCount    int64
	DriftFromBase    float64
	CumulativeDrift  float64
	DriftDirection   Direction
	Frozen           bool
	FrozenAt         time.Time
	FrozenReason     string
	HitBoundaryCount int64
	History          []Adjustment
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppendHistory adds an entry, evicting the oldest entries beyond MaxHistory.
func (r *WeightRecord) AppendHistory(a Adjustment) {
	r.History = append(r.History, a)
	if over := len(r.History) - MaxHistory; over > 0 {
		trimmed := make([]Adjustment, MaxHistory)
		copy(trimmed, r.History[over:])
		r.History = trimmed
	}
}

// RecomputeDrift refreshes DriftFromBase and DriftDirection from the current weight.
func (r *WeightRecord) RecomputeDrift() {
	r.DriftFromBase = r.CurrentWeight - r.BaseWeight
	r.DriftDirection = DirectionOf(r.DriftFromBase)
}

// Clone returns a deep copy so callers can mutate history safely.
func (r WeightRecord) Clone() WeightRecord {
	if r.History != nil {
		h := make([]Adjustment, len(r.History))
		copy(h, r.History)
		r.History = h
	}
	return r
}

// #endregion weight-record

// #region corridor
// Corridor computes the fixed bounds assigned to a weight at creation.
type Corridor struct {
	HalfWidthPct float64 `json:"half_width_pct" yaml:"half_width_pct"` // fraction of |base| on each side
	MinHalfWidth float64 `json:"min_half_width" yaml:"min_half_width"` // floor so a zero base still gets room
}

// DefaultCorridor returns ±40% of the base, at least ±0.05.
func DefaultCorridor() Corridor {
	return Corridor{HalfWidthPct: 0.40, MinHalfWidth: 0.05}
}

// Bounds returns [min, max] around base.
func (c Corridor) Bounds(base float64) (float64, float64) {
	half := math.Max(math.Abs(base)*c.HalfWidthPct, c.MinHalfWidth)
	return base - half, base + half
}

// #endregion corridor

// #region drift-summary
// DriftSummary is the read-only aggregate the learning controller consumes.
type DriftSummary struct {
	TotalWeights  int64
	FrozenWeights int64
	MaxAbsDrift   float64
	AvgAbsDrift   float64
}

// FrozenRatio is FrozenWeights / TotalWeights, 0 for an empty ledger.
func (s DriftSummary) FrozenRatio() float64 {
	if s.TotalWeights == 0 {
		return 0
	}
	return float64(s.FrozenWeights) / float64(s.TotalWeights)
}

// #endregion drift-summary

// #region list-filter
// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Scope      string
	ScopeID    string
	Target     string
	FrozenOnly bool
	Limit      int
}

// #endregion list-filter
