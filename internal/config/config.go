// Package config loads the controller's YAML configuration, applies
// environment overrides and converts sections into component configs.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region types
// Config is the full controller configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Learning LearningConfig `yaml:"learning"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Gate     GateConfig     `yaml:"gate"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LearningConfig seeds the learning control row on first use.
type LearningConfig struct {
	ControlID              string  `yaml:"control_id"`
	BaseLearningRate       float64 `yaml:"base_learning_rate"`
	RateHalfLifeDays       float64 `yaml:"rate_half_life_days"`
	MinLearningRate        float64 `yaml:"min_learning_rate"`
	MaxLearningRate        float64 `yaml:"max_learning_rate"`
	DriftThreshold         float64 `yaml:"drift_threshold"`
	ConfidenceFloor        float64 `yaml:"confidence_floor"`
	MinEvidenceForLearning int     `yaml:"min_evidence_for_learning"`
	FrozenRatioWarn        float64 `yaml:"frozen_ratio_warn"`
	MaxRetries             int     `yaml:"max_retries"`
}

type LedgerConfig struct {
	Corridor  ledger.Corridor `yaml:"corridor"`
	CapPolicy string          `yaml:"cap_policy"` // cumulative | relative | absolute | none
	CapLimit  float64         `yaml:"cap_limit"`  // meaning depends on the policy
}

type GateConfig struct {
	Thresholds      gate.Thresholds `yaml:"thresholds"`
	IntervalMinutes int             `yaml:"interval_minutes"` // 0 disables the serve job
}

type ShadowConfig struct {
	Thresholds           shadow.Thresholds `yaml:"thresholds"`
	Window               string            `yaml:"window"`
	Subjects             []string          `yaml:"subjects"`
	SweepIntervalSeconds int               `yaml:"sweep_interval_seconds"` // 0 disables the serve job
	ComparisonsPerSecond float64           `yaml:"comparisons_per_second"`
	Reference            shadow.Decision   `yaml:"reference"`
}

type ServerConfig struct {
	AdminAddr          string `yaml:"admin_addr"`  // /metrics and /healthz
	GRPCAddr           string `yaml:"grpc_addr"`   // controller service and grpc.health.v1
	EngineAddr         string `yaml:"engine_addr"` // decision engine; empty disables gate and shadow jobs
	DriftCheckSeconds  int    `yaml:"drift_check_seconds"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// #endregion types

// #region defaults
// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	lc := control.DefaultConfig()
	return &Config{
		Storage: StorageConfig{DBPath: "safety_controller.db"},
		Learning: LearningConfig{
			ControlID:              lc.ControlID,
			BaseLearningRate:       lc.BaseLearningRate,
			RateHalfLifeDays:       lc.RateHalfLifeDays,
			MinLearningRate:        lc.MinLearningRate,
			MaxLearningRate:        lc.MaxLearningRate,
			DriftThreshold:         lc.DriftThreshold,
			ConfidenceFloor:        lc.ConfidenceFloor,
			MinEvidenceForLearning: lc.MinEvidenceForLearning,
			FrozenRatioWarn:        lc.FrozenRatioWarn,
			MaxRetries:             lc.MaxRetries,
		},
		Ledger: LedgerConfig{
			Corridor:  ledger.DefaultCorridor(),
			CapPolicy: "cumulative",
			CapLimit:  5,
		},
		Gate: GateConfig{
			Thresholds:      gate.DefaultThresholds(),
			IntervalMinutes: 60,
		},
		Shadow: ShadowConfig{
			Thresholds:           shadow.DefaultThresholds(),
			Window:               "1h",
			SweepIntervalSeconds: 300,
			ComparisonsPerSecond: 20,
			Reference:            shadow.NewStaticSource().Default,
		},
		Server: ServerConfig{
			AdminAddr:          ":9090",
			GRPCAddr:           ":50061",
			DriftCheckSeconds:  60,
			ShutdownTimeoutSec: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// #endregion defaults

// #region load
// LoadFromFile reads path over the defaults. A missing file yields defaults.
// Environment overrides apply either way and the result is validated.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// #endregion load

// #region env
// ApplyEnvOverrides applies environment variable overrides. Unparseable
// numbers are ignored.
func (c *Config) ApplyEnvOverrides() {
	envString("SAFETY_DB", &c.Storage.DBPath)
	envString("SAFETY_ENGINE_ADDR", &c.Server.EngineAddr)
	envString("SAFETY_ADMIN_ADDR", &c.Server.AdminAddr)
	envString("SAFETY_GRPC_ADDR", &c.Server.GRPCAddr)
	envString("SAFETY_SHADOW_WINDOW", &c.Shadow.Window)
	envString("SAFETY_CAP_POLICY", &c.Ledger.CapPolicy)
	envFloat("LEARNING_BASE_RATE", &c.Learning.BaseLearningRate)
	envFloat("LEARNING_HALF_LIFE_DAYS", &c.Learning.RateHalfLifeDays)
	envFloat("LEARNING_MIN_RATE", &c.Learning.MinLearningRate)
	envFloat("LEARNING_MAX_RATE", &c.Learning.MaxLearningRate)
	envFloat("LEARNING_DRIFT_THRESHOLD", &c.Learning.DriftThreshold)
	envFloat("LEARNING_CONFIDENCE_FLOOR", &c.Learning.ConfidenceFloor)
	if v := os.Getenv("SAFETY_LOG_LEVEL"); v != "" && isValidLogLevel(v) {
		c.Logging.Level = v
	}
	if v := os.Getenv("SAFETY_LOG_FORMAT"); v == "text" || v == "json" {
		c.Logging.Format = v
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// #endregion env

// #region validate
// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return errors.New("storage.db_path is required")
	}

	l := c.Learning
	if l.ControlID == "" {
		return errors.New("learning.control_id is required")
	}
	if l.MinLearningRate < 0 || l.MaxLearningRate < l.MinLearningRate {
		return fmt.Errorf("learning rate corridor [%v, %v] is invalid", l.MinLearningRate, l.MaxLearningRate)
	}
	if l.BaseLearningRate <= 0 {
		return errors.New("learning.base_learning_rate must be > 0")
	}
	if l.RateHalfLifeDays < 0 {
		return errors.New("learning.rate_half_life_days must be >= 0")
	}
	if l.DriftThreshold <= 0 {
		return errors.New("learning.drift_threshold must be > 0")
	}
	if l.ConfidenceFloor < 0 || l.ConfidenceFloor > 1 {
		return errors.New("learning.confidence_floor must be in [0, 1]")
	}
	if l.MaxRetries < 0 {
		return errors.New("learning.max_retries must be >= 0")
	}

	if c.Ledger.Corridor.HalfWidthPct < 0 || c.Ledger.Corridor.MinHalfWidth < 0 {
		return errors.New("ledger.corridor must be non-negative")
	}
	if _, err := update.PolicyFromName(c.Ledger.CapPolicy, c.Ledger.CapLimit); err != nil {
		return fmt.Errorf("ledger.cap_policy: %w", err)
	}

	n := c.Gate.Thresholds.Negative
	if n.MinNegativeRatio > n.MaxNegativeRatio {
		return errors.New("gate.thresholds.negative ratio range is inverted")
	}
	if c.Gate.IntervalMinutes < 0 {
		return errors.New("gate.interval_minutes must be >= 0")
	}

	if c.Shadow.Thresholds.WindowSize <= 0 {
		return errors.New("shadow.thresholds.window_size must be > 0")
	}
	if c.Shadow.Window == "" {
		return errors.New("shadow.window is required")
	}
	if c.Shadow.SweepIntervalSeconds < 0 || c.Shadow.ComparisonsPerSecond < 0 {
		return errors.New("shadow sweep settings must be >= 0")
	}

	if c.Server.DriftCheckSeconds <= 0 {
		return errors.New("server.drift_check_seconds must be > 0")
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got: %s)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got: %s)", c.Logging.Format)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// #endregion validate

// #region conversions
// ControlConfig builds the learning controller config.
func (c *Config) ControlConfig(logger *slog.Logger, auditor control.Auditor) control.Config {
	cfg := control.DefaultConfig()
	l := c.Learning
	cfg.ControlID = l.ControlID
	cfg.BaseLearningRate = l.BaseLearningRate
	cfg.RateHalfLifeDays = l.RateHalfLifeDays
	cfg.MinLearningRate = l.MinLearningRate
	cfg.MaxLearningRate = l.MaxLearningRate
	cfg.DriftThreshold = l.DriftThreshold
	cfg.ConfidenceFloor = l.ConfidenceFloor
	cfg.MinEvidenceForLearning = l.MinEvidenceForLearning
	cfg.FrozenRatioWarn = l.FrozenRatioWarn
	cfg.MaxRetries = l.MaxRetries
	cfg.Logger = logger
	cfg.Auditor = auditor
	return cfg
}

// UpdateConfig builds the update engine config. Validate has already
// checked the cap policy.
func (c *Config) UpdateConfig(logger *slog.Logger, auditor update.Auditor) update.Config {
	cfg := update.DefaultConfig()
	if p, err := update.PolicyFromName(c.Ledger.CapPolicy, c.Ledger.CapLimit); err == nil {
		cfg.CapPolicy = p
	}
	cfg.Logger = logger
	cfg.Auditor = auditor
	return cfg
}

// GateEvaluatorConfig builds the gate evaluator config.
func (c *Config) GateEvaluatorConfig(logger *slog.Logger, auditor gate.Auditor) gate.Config {
	cfg := gate.DefaultConfig()
	cfg.Thresholds = c.Gate.Thresholds
	cfg.Logger = logger
	cfg.Auditor = auditor
	return cfg
}

// KillSwitchConfig builds the shadow kill-switch config.
func (c *Config) KillSwitchConfig(logger *slog.Logger, auditor shadow.Auditor) shadow.Config {
	cfg := shadow.DefaultConfig()
	cfg.Thresholds = c.Shadow.Thresholds
	cfg.Logger = logger
	cfg.Auditor = auditor
	return cfg
}

// ReferenceSource is the static reference engine from config.
func (c *Config) ReferenceSource() *shadow.StaticSource {
	return &shadow.StaticSource{Default: c.Shadow.Reference}
}

// DriftCheckInterval is the serve loop's drift guard period.
func (c *Config) DriftCheckInterval() time.Duration {
	return time.Duration(c.Server.DriftCheckSeconds) * time.Second
}

// GateInterval is the serve loop's gate period, 0 when disabled.
func (c *Config) GateInterval() time.Duration {
	return time.Duration(c.Gate.IntervalMinutes) * time.Minute
}

// ShadowSweepInterval is the serve loop's comparison sweep period, 0 when disabled.
func (c *Config) ShadowSweepInterval() time.Duration {
	return time.Duration(c.Shadow.SweepIntervalSeconds) * time.Second
}

// #endregion conversions
