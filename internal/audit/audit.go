// Package audit keeps an append-only trail of safety-relevant transitions.
// Writes through Recorder are best-effort: failures are logged and dropped so
// they never block the transition being audited.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id           TEXT PRIMARY KEY,
	component    TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor        TEXT,
	subject_id   TEXT,
	reason       TEXT,
	details_json TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component, created_at);
`

// #endregion schema

// #region log-entry
// LogEntry writes an entry to the audit_log table.
func LogEntry(ctx context.Context, db *sql.DB, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (id, component, action, actor, subject_id, reason, details_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Component,
		entry.Action,
		store.NullIfEmpty(entry.Actor),
		store.NullIfEmpty(entry.SubjectID),
		store.NullIfEmpty(entry.Reason),
		store.NullIfEmpty(entry.DetailsJSON),
		store.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log audit entry: %w", err)
	}
	return nil
}

// #endregion log-entry

// #region recorder
// Recorder is the best-effort writer handed to the other packages.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecorder creates the audit_log table if needed.
func NewRecorder(db *sql.DB, logger *slog.Logger) (*Recorder, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}, nil
}

// Record writes entry and swallows any failure after logging it.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if err := LogEntry(ctx, r.db, entry); err != nil {
		metrics.AuditFailuresTotal.Inc()
		r.logger.Warn("audit write dropped",
			"component", entry.Component,
			"action", entry.Action,
			"error", err,
		)
	}
}

// Recent returns the newest entries, optionally for one component.
func (r *Recorder) Recent(ctx context.Context, component string, limit int) ([]Entry, error) {
	q := `SELECT id, component, action, actor, subject_id, reason, details_json, created_at FROM audit_log`
	var args []interface{}
	if component != "" {
		q += ` WHERE component = ?`
		args = append(args, component)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var actor, subject, reason, details sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Component, &e.Action, &actor, &subject, &reason, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Actor = actor.String
		e.SubjectID = subject.String
		e.Reason = reason.String
		e.DetailsJSON = details.String
		e.CreatedAt = store.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion recorder

// #region details
// Details marshals v for Entry.DetailsJSON, returning "" if it cannot.
func Details(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion details

// Discard is a no-op recorder for callers that do not audit.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
