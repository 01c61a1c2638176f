// Package ledger persists per-key adaptive weights with their corridor,
// drift accounting and a bounded adjustment history.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS weights (
	scope              TEXT NOT NULL,
	scope_id           TEXT NOT NULL,
	target             TEXT NOT NULL,
	weight_key         TEXT NOT NULL,
	base_weight        REAL NOT NULL,
	current_weight     REAL NOT NULL,
	min_weight         REAL NOT NULL,
	max_weight         REAL NOT NULL,
	total_positive     REAL NOT NULL DEFAULT 0,
	total_negative     REAL NOT NULL DEFAULT 0,
	evidence_count     INTEGER NOT NULL DEFAULT 0,
	drift_from_base    REAL NOT NULL DEFAULT 0,
	cumulative_drift   REAL NOT NULL DEFAULT 0,
	drift_direction    TEXT NOT NULL DEFAULT 'stable',
	frozen             INTEGER NOT NULL DEFAULT 0,
	frozen_at          TEXT,
	frozen_reason      TEXT,
	hit_boundary_count INTEGER NOT NULL DEFAULT 0,
	history_json       TEXT NOT NULL DEFAULT '[]',
	version            INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	PRIMARY KEY (scope, scope_id, target, weight_key),
	CHECK (min_weight <= current_weight AND current_weight <= max_weight),
	CHECK (min_weight <= base_weight AND base_weight <= max_weight)
);
CREATE INDEX IF NOT EXISTS idx_weights_frozen ON weights(frozen);
`

const selectColumns = `scope, scope_id, target, weight_key, base_weight, current_weight,
	min_weight, max_weight, total_positive, total_negative, evidence_count,
	drift_from_base, cumulative_drift, drift_direction, frozen, frozen_at,
	frozen_reason, hit_boundary_count, history_json, version, created_at, updated_at`

// #endregion schema

// ErrFrozen is returned by Save when the stored record was frozen after the
// caller read it.
var ErrFrozen = errors.New("weight is frozen")

// #region ledger-struct
// Ledger stores WeightRecords in SQLite.
type Ledger struct {
	db       *sql.DB
	corridor Corridor
	now      func() time.Time
}

// NewLedger creates the weights table if needed and returns a Ledger that
// assigns new records the given corridor.
func NewLedger(db *sql.DB, corridor Corridor) (*Ledger, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Ledger{db: db, corridor: corridor, now: time.Now}, nil
}

// #endregion ledger-struct

// #region get-or-create
// GetOrCreate returns the record for key, creating it around baseWeight on
// first reference. Later calls return the stored record unchanged, whatever
// baseWeight they pass.
func (l *Ledger) GetOrCreate(ctx context.Context, key Key, baseWeight float64) (WeightRecord, error) {
	if !key.Valid() {
		return WeightRecord{}, fmt.Errorf("get or create %s: incomplete key", key)
	}
	lo, hi := l.corridor.Bounds(baseWeight)
	now := store.FormatTime(l.now())

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO weights (scope, scope_id, target, weight_key, base_weight, current_weight,
		                      min_weight, max_weight, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, scope_id, target, weight_key) DO NOTHING`,
		key.Scope, key.ScopeID, key.Target, key.Key, baseWeight, baseWeight, lo, hi, now, now,
	)
	if err != nil {
		return WeightRecord{}, fmt.Errorf("insert weight %s: %w", key, err)
	}

	rec, err := l.Get(ctx, key)
	if err != nil {
		return WeightRecord{}, err
	}
	if rec == nil {
		return WeightRecord{}, fmt.Errorf("weight %s vanished after insert", key)
	}
	return *rec, nil
}

// #endregion get-or-create

// #region get
// Get returns the record for key, or nil when none exists.
func (l *Ledger) Get(ctx context.Context, key Key) (*WeightRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM weights
		 WHERE scope = ? AND scope_id = ? AND target = ? AND weight_key = ?`,
		key.Scope, key.ScopeID, key.Target, key.Key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weight %s: %w", key, err)
	}
	return &rec, nil
}

// #endregion get

// #region save
// Save writes the mutable fields of rec. Bounds and base are fixed at
// creation and never rewritten. The current weight is re-clamped against the
// stored bounds inside the statement, so a racing writer can leave a stale
// delta but never a corridor violation. A row that is already frozen in the
// store is left untouched and Save returns ErrFrozen; only Reset and
// ResetAll clear a freeze.
func (l *Ledger) Save(ctx context.Context, rec WeightRecord) error {
	hist := rec.History
	if hist == nil {
		hist = []Adjustment{}
	}
	histJSON, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	frozen := 0
	if rec.Frozen {
		frozen = 1
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = l.now()
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE weights SET
			current_weight     = MIN(MAX(?, min_weight), max_weight),
			drift_from_base    = MIN(MAX(?, min_weight), max_weight) - base_weight,
			total_positive     = ?,
			total_negative     = ?,
			evidence_count     = ?,
			cumulative_drift   = ?,
			drift_direction    = ?,
			frozen             = ?,
			frozen_at          = ?,
			frozen_reason      = ?,
			hit_boundary_count = ?,
			history_json       = ?,
			version            = version + 1,
			updated_at         = ?
		 WHERE scope = ? AND scope_id = ? AND target = ? AND weight_key = ? AND frozen = 0`,
		rec.CurrentWeight, rec.CurrentWeight,
		rec.TotalPositive, rec.TotalNegative, rec.EvidenceCount,
		rec.CumulativeDrift, string(rec.DriftDirection),
		frozen, store.NullTime(rec.FrozenAt), store.NullIfEmpty(rec.FrozenReason),
		rec.HitBoundaryCount, string(histJSON), store.FormatTime(rec.UpdatedAt),
		rec.Key.Scope, rec.Key.ScopeID, rec.Key.Target, rec.Key.Key,
	)
	if err != nil {
		return fmt.Errorf("save weight %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save weight %s: %w", rec.Key, err)
	}
	if n > 0 {
		return nil
	}
	var storedFrozen bool
	err = l.db.QueryRowContext(ctx,
		`SELECT frozen FROM weights
		 WHERE scope = ? AND scope_id = ? AND target = ? AND weight_key = ?`,
		rec.Key.Scope, rec.Key.ScopeID, rec.Key.Target, rec.Key.Key,
	).Scan(&storedFrozen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("save weight %s: record not found", rec.Key)
	case err != nil:
		return fmt.Errorf("save weight %s: %w", rec.Key, err)
	case storedFrozen:
		return fmt.Errorf("save weight %s: %w", rec.Key, ErrFrozen)
	}
	return fmt.Errorf("save weight %s: no row updated", rec.Key)
}

// #endregion save

// #region list
// List returns records matching filter, most recently updated first.
func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]WeightRecord, error) {
	var where []string
	var args []interface{}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, filter.Scope)
	}
	if filter.ScopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, filter.ScopeID)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.FrozenOnly {
		where = append(where, "frozen = 1")
	}

	q := `SELECT ` + selectColumns + ` FROM weights`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list weights: %w", err)
	}
	defer rows.Close()

	var out []WeightRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion list

// #region aggregate
// AggregateDrift summarizes |drift| and frozen counts across the ledger.
func (l *Ledger) AggregateDrift(ctx context.Context) (DriftSummary, error) {
	var s DriftSummary
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(frozen), 0),
		        COALESCE(MAX(ABS(drift_from_base)), 0),
		        COALESCE(AVG(ABS(drift_from_base)), 0)
		 FROM weights`,
	).Scan(&s.TotalWeights, &s.FrozenWeights, &s.MaxAbsDrift, &s.AvgAbsDrift)
	if err != nil {
		return DriftSummary{}, fmt.Errorf("aggregate drift: %w", err)
	}
	return s, nil
}

// #endregion aggregate

// #region reset
const resetAssignments = `
	current_weight     = base_weight,
	drift_from_base    = 0,
	cumulative_drift   = 0,
	drift_direction    = 'stable',
	frozen             = 0,
	frozen_at          = NULL,
	frozen_reason      = NULL,
	hit_boundary_count = 0,
	history_json       = '[]',
	version            = version + 1,
	updated_at         = ?`

// Reset returns one record to its base weight and clears its freeze.
// Feedback accumulators and evidence counts are kept. Reports whether the
// record existed.
func (l *Ledger) Reset(ctx context.Context, key Key) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE weights SET `+resetAssignments+`
		 WHERE scope = ? AND scope_id = ? AND target = ? AND weight_key = ?`,
		store.FormatTime(l.now()), key.Scope, key.ScopeID, key.Target, key.Key,
	)
	if err != nil {
		return false, fmt.Errorf("reset weight %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset weight %s: %w", key, err)
	}
	return n > 0, nil
}

// ResetAll returns every record to its base weight and returns how many rows
// were touched.
func (l *Ledger) ResetAll(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `UPDATE weights SET `+resetAssignments, store.FormatTime(l.now()))
	if err != nil {
		return 0, fmt.Errorf("reset all weights: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset all weights: %w", err)
	}
	return n, nil
}

// #endregion reset

// #region scan
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (WeightRecord, error) {
	var rec WeightRecord
	var direction, histJSON, createdStr, updatedStr string
	var frozen int
	var frozenAt, frozenReason sql.NullString

	err := s.Scan(
		&rec.Key.Scope, &rec.Key.ScopeID, &rec.Key.Target, &rec.Key.Key,
		&rec.BaseWeight, &rec.CurrentWeight, &rec.MinWeight, &rec.MaxWeight,
		&rec.TotalPositive, &rec.TotalNegative, &rec.EvidenceCount,
		&rec.DriftFromBase, &rec.CumulativeDrift, &direction,
		&frozen, &frozenAt, &frozenReason, &rec.HitBoundaryCount,
		&histJSON, &rec.Version, &createdStr, &updatedStr,
	)
	if err != nil {
		return WeightRecord{}, err
	}

	rec.DriftDirection = Direction(direction)
	rec.Frozen = frozen != 0
	rec.FrozenAt = store.TimeFromNull(frozenAt)
	if frozenReason.Valid {
		rec.FrozenReason = frozenReason.String
	}
	if err := json.Unmarshal([]byte(histJSON), &rec.History); err != nil {
		return WeightRecord{}, fmt.Errorf("unmarshal history: %w", err)
	}
	rec.CreatedAt = store.ParseTime(createdStr)
	rec.UpdatedAt = store.ParseTime(updatedStr)
	return rec, nil
}

// #endregion scan
