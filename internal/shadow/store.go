package shadow

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
CREATE TABLE IF NOT EXISTS shadow_snapshots (
	id               TEXT PRIMARY KEY,
	subject          TEXT NOT NULL,
	window_name      TEXT NOT NULL,
	v1_json          TEXT NOT NULL,
	v2_json          TEXT NOT NULL,
	decision_changed INTEGER NOT NULL,
	evidence_delta   REAL NOT NULL,
	risk_delta       REAL NOT NULL,
	coverage_delta   REAL NOT NULL,
	confidence_delta REAL NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shadow_snapshots_window ON shadow_snapshots(window_name, created_at);

CREATE TABLE IF NOT EXISTS shadow_verdicts (
	id             TEXT PRIMARY KEY,
	window_name    TEXT NOT NULL,
	verdict        TEXT NOT NULL CHECK (verdict IN ('OK', 'ALERT', 'FORCE_V1')),
	agreement_rate REAL NOT NULL,
	samples        INTEGER NOT NULL,
	warnings_json  TEXT NOT NULL,
	metrics_json   TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shadow_verdicts_window ON shadow_verdicts(window_name, created_at);
`

// #endregion schema

// #region snapshots
func insertSnapshot(ctx context.Context, db *sql.DB, s Snapshot) error {
	v1, err := json.Marshal(s.V1)
	if err != nil {
		return fmt.Errorf("marshal v1: %w", err)
	}
	v2, err := json.Marshal(s.V2)
	if err != nil {
		return fmt.Errorf("marshal v2: %w", err)
	}
	changed := 0
	if s.Diff.DecisionChanged {
		changed = 1
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO shadow_snapshots (id, subject, window_name, v1_json, v2_json, decision_changed,
			evidence_delta, risk_delta, coverage_delta, confidence_delta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Subject, s.Window, string(v1), string(v2), changed,
		s.Diff.EvidenceDelta, s.Diff.RiskDelta, s.Diff.CoverageDelta, s.Diff.ConfidenceDelta,
		store.FormatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert shadow snapshot: %w", err)
	}
	return nil
}

// recentSnapshots returns up to limit snapshots for window, newest first.
func recentSnapshots(ctx context.Context, db *sql.DB, window string, limit int) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, subject, window_name, v1_json, v2_json, decision_changed,
			evidence_delta, risk_delta, coverage_delta, confidence_delta, created_at
		 FROM shadow_snapshots WHERE window_name = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, window, limit)
	if err != nil {
		return nil, fmt.Errorf("query shadow snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var v1, v2, created string
		var changed int
		if err := rows.Scan(&s.ID, &s.Subject, &s.Window, &v1, &v2, &changed,
			&s.Diff.EvidenceDelta, &s.Diff.RiskDelta, &s.Diff.CoverageDelta, &s.Diff.ConfidenceDelta, &created); err != nil {
			return nil, fmt.Errorf("scan shadow snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(v1), &s.V1); err != nil {
			return nil, fmt.Errorf("unmarshal v1: %w", err)
		}
		if err := json.Unmarshal([]byte(v2), &s.V2); err != nil {
			return nil, fmt.Errorf("unmarshal v2: %w", err)
		}
		s.Diff.DecisionChanged = changed == 1
		s.CreatedAt = store.ParseTime(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// #endregion snapshots

// #region verdicts
func insertVerdict(ctx context.Context, db *sql.DB, id string, ev Evaluation) error {
	warnings, err := json.Marshal(ev.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	m, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO shadow_verdicts (id, window_name, verdict, agreement_rate, samples, warnings_json, metrics_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.Metrics.Window, string(ev.Verdict), ev.Metrics.AgreementRate, ev.Metrics.Samples,
		string(warnings), string(m), store.FormatTime(ev.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("insert shadow verdict: %w", err)
	}
	return nil
}

func latestEvaluation(ctx context.Context, db *sql.DB, window string) (*Evaluation, error) {
	var ev Evaluation
	var verdict, warnings, m, created string
	err := db.QueryRowContext(ctx,
		`SELECT verdict, warnings_json, metrics_json, created_at FROM shadow_verdicts
		 WHERE window_name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, window,
	).Scan(&verdict, &warnings, &m, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest shadow verdict: %w", err)
	}
	ev.Verdict = Verdict(verdict)
	ev.CheckedAt = store.ParseTime(created)
	if err := json.Unmarshal([]byte(warnings), &ev.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(m), &ev.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return &ev, nil
}

// #endregion verdicts
