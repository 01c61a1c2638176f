package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS gate_results (
	run_id           TEXT PRIMARY KEY,
	horizon          TEXT NOT NULL CHECK (horizon IN ('24h', '7d')),
	status           TEXT NOT NULL CHECK (status IN ('PASSED', 'BLOCKED', 'SHADOW_ONLY')),
	training_allowed INTEGER NOT NULL,
	sections_json    TEXT NOT NULL,
	horizons_json    TEXT NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gate_results_horizon ON gate_results(horizon, created_at);

CREATE TABLE IF NOT EXISTS training_permission (
	horizon    TEXT PRIMARY KEY,
	allowed    INTEGER NOT NULL,
	run_id     TEXT,
	updated_at TEXT NOT NULL
);
`

// #endregion schema

// #region results-store
func insertResult(ctx context.Context, db *sql.DB, r CheckResult) error {
	sections, err := json.Marshal(r.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	horizons, err := json.Marshal(r.Horizons)
	if err != nil {
		return fmt.Errorf("marshal horizons: %w", err)
	}
	allowed := 0
	if r.TrainingAllowed {
		allowed = 1
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO gate_results (run_id, horizon, status, training_allowed, sections_json, horizons_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Horizon), string(r.Status), allowed,
		string(sections), string(horizons), store.FormatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert gate result: %w", err)
	}
	return nil
}

const resultColumns = `run_id, horizon, status, training_allowed, sections_json, horizons_json, created_at`

func scanResult(s interface{ Scan(...interface{}) error }) (CheckResult, error) {
	var r CheckResult
	var horizon, status, sections, horizons, created string
	var allowed int
	if err := s.Scan(&r.RunID, &horizon, &status, &allowed, &sections, &horizons, &created); err != nil {
		return CheckResult{}, err
	}
	r.Horizon = Horizon(horizon)
	r.Status = Status(status)
	r.TrainingAllowed = allowed == 1
	r.CreatedAt = store.ParseTime(created)
	if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
		return CheckResult{}, fmt.Errorf("unmarshal sections: %w", err)
	}
	if err := json.Unmarshal([]byte(horizons), &r.Horizons); err != nil {
		return CheckResult{}, fmt.Errorf("unmarshal horizons: %w", err)
	}
	return r, nil
}

func latestResult(ctx context.Context, db *sql.DB, h Horizon) (*CheckResult, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM gate_results WHERE horizon = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, string(h))
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest gate result: %w", err)
	}
	return &r, nil
}

func listResults(ctx context.Context, db *sql.DB, h Horizon, limit int) ([]CheckResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM gate_results WHERE horizon = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, string(h), limit)
	if err != nil {
		return nil, fmt.Errorf("list gate results: %w", err)
	}
	defer rows.Close()

	var out []CheckResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion results-store

// #region permission
// SQLitePermission stores the training permission flag per horizon.
type SQLitePermission struct {
	db *sql.DB
}

// NewSQLitePermission creates the gate tables if needed.
func NewSQLitePermission(db *sql.DB) (*SQLitePermission, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("gate schema: %w", err)
	}
	return &SQLitePermission{db: db}, nil
}

func (p *SQLitePermission) SetTrainingAllowed(ctx context.Context, h Horizon, allowed bool, runID string) error {
	v := 0
	if allowed {
		v = 1
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO training_permission (horizon, allowed, run_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(horizon) DO UPDATE SET allowed = excluded.allowed, run_id = excluded.run_id, updated_at = excluded.updated_at`,
		string(h), v, store.NullIfEmpty(runID), store.FormatTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("set training permission %s: %w", h, err)
	}
	return nil
}

// Allowed reads the flag. A missing row is false.
func (p *SQLitePermission) Allowed(ctx context.Context, h Horizon) (bool, error) {
	var v int
	err := p.db.QueryRowContext(ctx, `SELECT allowed FROM training_permission WHERE horizon = ?`, string(h)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read training permission %s: %w", h, err)
	}
	return v == 1, nil
}

// #endregion permission
