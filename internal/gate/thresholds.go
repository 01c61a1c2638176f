package gate

// #region thresholds
type DataThresholds struct {
	MinTokens       int     `yaml:"min_tokens"`
	MinChains       int     `yaml:"min_chains"`
	MinTimeSpanDays float64 `yaml:"min_time_span_days"`
	MinSignals      int     `yaml:"min_signals"`
	MinAvgCoverage  float64 `yaml:"min_avg_coverage"`
	MaxMissingRate  float64 `yaml:"max_missing_rate"`
}

type LabelsThresholds struct {
	MinLabeled       int     `yaml:"min_labeled"`
	MinPositives     int     `yaml:"min_positives"`
	MinLabelCoverage float64 `yaml:"min_label_coverage"`
	MaxLabelLagHours float64 `yaml:"max_label_lag_hours"`
}

type NegativeThresholds struct {
	MinNegatives     int     `yaml:"min_negatives"`
	MinNegativeRatio float64 `yaml:"min_negative_ratio"`
	MaxNegativeRatio float64 `yaml:"max_negative_ratio"`
	MinHardNegatives int     `yaml:"min_hard_negatives"`
}

type TemporalThresholds struct {
	MinDistinctDays int     `yaml:"min_distinct_days"`
	MaxGapDays      float64 `yaml:"max_gap_days"`
	MinRecentShare  float64 `yaml:"min_recent_share"`
	MaxLeakage      int     `yaml:"max_leakage"`
}

type SafetyThresholds struct {
	MaxFrozenWeightRatio float64 `yaml:"max_frozen_weight_ratio"`
	MaxDrift             float64 `yaml:"max_drift"`
}

// HorizonThresholds apply to one horizon. Checks a horizon does not use are
// ignored (24h has no stability or drift check, 7d no false-positive check).
type HorizonThresholds struct {
	MinPrecision         float64 `yaml:"min_precision"`
	MaxFalsePositiveRate float64 `yaml:"max_false_positive_rate"`
	MaxStabilityStdDev   float64 `yaml:"max_stability_std_dev"`
	MaxDrift             float64 `yaml:"max_drift"`
	MinNegativeRatio     float64 `yaml:"min_negative_ratio"`
	MinSamples           int     `yaml:"min_samples"`
}

// Thresholds is the full gate policy.
type Thresholds struct {
	Data     DataThresholds     `yaml:"data"`
	Labels   LabelsThresholds   `yaml:"labels"`
	Negative NegativeThresholds `yaml:"negative"`
	Temporal TemporalThresholds `yaml:"temporal"`
	Safety   SafetyThresholds   `yaml:"safety"`
	H24      HorizonThresholds  `yaml:"horizon_24h"`
	H7d      HorizonThresholds  `yaml:"horizon_7d"`
}

// DefaultThresholds returns the production gate policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Data: DataThresholds{
			MinTokens:       50,
			MinChains:       1,
			MinTimeSpanDays: 180,
			MinSignals:      10000,
			MinAvgCoverage:  0.40,
			MaxMissingRate:  0.10,
		},
		Labels: LabelsThresholds{
			MinLabeled:       1000,
			MinPositives:     100,
			MinLabelCoverage: 0.50,
			MaxLabelLagHours: 72,
		},
		Negative: NegativeThresholds{
			MinNegatives:     300,
			MinNegativeRatio: 0.15,
			MaxNegativeRatio: 0.85,
			MinHardNegatives: 50,
		},
		Temporal: TemporalThresholds{
			MinDistinctDays: 30,
			MaxGapDays:      7,
			MinRecentShare:  0.05,
			MaxLeakage:      0,
		},
		Safety: SafetyThresholds{
			MaxFrozenWeightRatio: 0.20,
			MaxDrift:             0.25,
		},
		H24: HorizonThresholds{
			MinPrecision:         0.55,
			MaxFalsePositiveRate: 0.25,
			MinNegativeRatio:     0.15,
			MinSamples:           200,
		},
		H7d: HorizonThresholds{
			MinPrecision:       0.60,
			MaxStabilityStdDev: 0.08,
			MaxDrift:           0.15,
			MinNegativeRatio:   0.15,
			MinSamples:         1000,
		},
	}
}

// #endregion thresholds
