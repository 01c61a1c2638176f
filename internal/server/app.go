// Package server wires the ledger, learning controller, readiness gate and
// kill switch into one process and runs their periodic jobs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// ErrEngineNotConfigured is returned by every remote call when no engine
// address is configured.
var ErrEngineNotConfigured = errors.New("decision engine address not configured")

// #region app
// App holds every component built from one config.
type App struct {
	DB         *sql.DB
	Ledger     *ledger.Ledger
	Control    *control.Controller
	Updates    *update.Engine
	KillSwitch *shadow.KillSwitch
	Gate       *gate.Evaluator
	Permission *gate.SQLitePermission
	Audit      *audit.Recorder

	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Client // nil when engine_addr is empty
}

// New opens the database and, when configured, the decision engine
// connection, then builds every component.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	var client *engine.Client
	if cfg.Server.EngineAddr != "" {
		client, err = engine.NewClient(cfg.Server.EngineAddr)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	app, err := build(db, client, cfg, logger)
	if err != nil {
		if client != nil {
			client.Close()
		}
		db.Close()
		return nil, err
	}
	return app, nil
}

func build(db *sql.DB, client *engine.Client, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{DB: db, cfg: cfg, logger: logger, engine: client}

	var err error
	if a.Audit, err = audit.NewRecorder(db, logger); err != nil {
		return nil, err
	}
	if a.Ledger, err = ledger.NewLedger(db, cfg.Ledger.Corridor); err != nil {
		return nil, err
	}
	if a.Control, err = control.NewController(db, a.Ledger, cfg.ControlConfig(logger, a.Audit)); err != nil {
		return nil, err
	}
	a.Updates = update.NewEngine(a.Ledger, a.Control, cfg.UpdateConfig(logger, a.Audit))

	var remote remoteEngine = offline{}
	if client != nil {
		remote = client
	}
	a.KillSwitch, err = shadow.NewKillSwitch(db, cfg.ReferenceSource(), remote, cfg.KillSwitchConfig(logger, a.Audit))
	if err != nil {
		return nil, err
	}
	if a.Permission, err = gate.NewSQLitePermission(db); err != nil {
		return nil, err
	}
	collectors := gate.Collectors{
		Data:     remote,
		Labels:   remote,
		Negative: remote,
		Temporal: remote,
		Safety: gate.LocalSafety{
			Learning: a.Control,
			Drift:    a.Ledger,
			Verdicts: a.KillSwitch,
			Window:   cfg.Shadow.Window,
		},
		Performance: remote,
	}
	if a.Gate, err = gate.NewEvaluator(db, collectors, a.Permission, cfg.GateEvaluatorConfig(logger, a.Audit)); err != nil {
		return nil, err
	}
	return a, nil
}

// EngineConfigured reports whether remote collectors and the current engine are reachable.
func (a *App) EngineConfigured() bool { return a.engine != nil }

// Close releases the engine connection and the database.
func (a *App) Close() error {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("close engine client", "error", err)
		}
	}
	return a.DB.Close()
}

// #endregion app

// #region offline
// remoteEngine is everything the app asks of the decision engine.
type remoteEngine interface {
	shadow.DecisionSource
	gate.DataCollector
	gate.LabelsCollector
	gate.NegativeCollector
	gate.TemporalCollector
	gate.PerformanceSource
}

// offline stands in for the engine when none is configured. Gate runs fail
// closed and comparisons error.
type offline struct{}

func (offline) Decide(context.Context, string, string) (shadow.Decision, error) {
	return shadow.Decision{}, ErrEngineNotConfigured
}

func (offline) CollectData(context.Context, gate.Horizon) (gate.DataMetrics, error) {
	return gate.DataMetrics{}, ErrEngineNotConfigured
}

func (offline) CollectLabels(context.Context, gate.Horizon) (gate.LabelsMetrics, error) {
	return gate.LabelsMetrics{}, ErrEngineNotConfigured
}

func (offline) CollectNegative(context.Context, gate.Horizon) (gate.NegativeMetrics, error) {
	return gate.NegativeMetrics{}, ErrEngineNotConfigured
}

func (offline) CollectTemporal(context.Context, gate.Horizon) (gate.TemporalMetrics, error) {
	return gate.TemporalMetrics{}, ErrEngineNotConfigured
}

func (offline) Performance(context.Context, gate.Horizon) (gate.PerformanceMetrics, error) {
	return gate.PerformanceMetrics{}, ErrEngineNotConfigured
}

var (
	_ remoteEngine = offline{}
	_ remoteEngine = (*engine.Client)(nil)
)

// #endregion offline

// String is used in startup logs.
func (a *App) String() string {
	engineAddr := a.cfg.Server.EngineAddr
	if engineAddr == "" {
		engineAddr = "none"
	}
	return fmt.Sprintf("db=%s engine=%s", a.cfg.Storage.DBPath, engineAddr)
}
