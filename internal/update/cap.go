package update

import (
	"fmt"
	"math"
)

// #region cap-types
// DriftCheck is the input to a drift cap policy for one proposed step.
type DriftCheck struct {
	BaseWeight      float64
	CurrentWeight   float64
	ProposedWeight  float64
	MinWeight       float64
	MaxWeight       float64
	CumulativeDrift float64 // movement already recorded on the weight
}

// CapDecision is a policy's verdict on a proposed step.
type CapDecision struct {
	Freeze bool
	Reason string
}

// DriftCapPolicy decides whether a proposed step trips the freeze breaker.
type DriftCapPolicy interface {
	Check(DriftCheck) CapDecision
}

// DefaultCapPolicy freezes a weight once it has travelled five corridor widths.
func DefaultCapPolicy() DriftCapPolicy {
	return CumulativeDriftCap{CorridorMultiple: 5}
}

// #endregion cap-types

// #region cumulative-cap
// CumulativeDriftCap freezes when total movement, including the proposed
// step, exceeds CorridorMultiple × (max − min). It catches weights that keep
// oscillating inside their corridor.
type CumulativeDriftCap struct {
	CorridorMultiple float64
}

func (c CumulativeDriftCap) Check(d DriftCheck) CapDecision {
	width := d.MaxWeight - d.MinWeight
	if width <= 0 || c.CorridorMultiple <= 0 {
		return CapDecision{}
	}
	limit := c.CorridorMultiple * width
	total := d.CumulativeDrift + math.Abs(d.ProposedWeight-d.CurrentWeight)
	if total > limit {
		return CapDecision{
			Freeze: true,
			Reason: fmt.Sprintf("cumulative drift %.4f exceeds cap %.4f", total, limit),
		}
	}
	return CapDecision{}
}

// #endregion cumulative-cap

// #region relative-cap
// RelativeDriftCap freezes when |proposed − base| / |base| exceeds MaxRelativeDrift.
type RelativeDriftCap struct {
	MaxRelativeDrift float64
}

func (c RelativeDriftCap) Check(d DriftCheck) CapDecision {
	base := math.Abs(d.BaseWeight)
	if base == 0 || c.MaxRelativeDrift <= 0 {
		return CapDecision{}
	}
	rel := math.Abs(d.ProposedWeight-d.BaseWeight) / base
	if rel > c.MaxRelativeDrift {
		return CapDecision{
			Freeze: true,
			Reason: fmt.Sprintf("relative drift %.4f exceeds cap %.4f", rel, c.MaxRelativeDrift),
		}
	}
	return CapDecision{}
}

// #endregion relative-cap

// #region absolute-cap
// AbsoluteDriftCap freezes when |proposed − base| exceeds MaxDrift.
type AbsoluteDriftCap struct {
	MaxDrift float64
}

func (c AbsoluteDriftCap) Check(d DriftCheck) CapDecision {
	if c.MaxDrift <= 0 {
		return CapDecision{}
	}
	drift := math.Abs(d.ProposedWeight - d.BaseWeight)
	if drift > c.MaxDrift {
		return CapDecision{
			Freeze: true,
			Reason: fmt.Sprintf("drift %.4f exceeds cap %.4f", drift, c.MaxDrift),
		}
	}
	return CapDecision{}
}

// #endregion absolute-cap

// NoDriftCap never freezes.
type NoDriftCap struct{}

func (NoDriftCap) Check(DriftCheck) CapDecision { return CapDecision{} }

// #region policy-by-name
// PolicyFromName builds a policy from its config name and limit.
func PolicyFromName(name string, limit float64) (DriftCapPolicy, error) {
	switch name {
	case "", "cumulative":
		if limit == 0 {
			return DefaultCapPolicy(), nil
		}
		return CumulativeDriftCap{CorridorMultiple: limit}, nil
	case "relative":
		return RelativeDriftCap{MaxRelativeDrift: limit}, nil
	case "absolute":
		return AbsoluteDriftCap{MaxDrift: limit}, nil
	case "none":
		return NoDriftCap{}, nil
	default:
		return nil, fmt.Errorf("unknown drift cap policy %q", name)
	}
}

// #endregion policy-by-name
