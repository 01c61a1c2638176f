// Package store opens the SQLite database shared by the ledger, the learning
// controller, the gate and the shadow kill-switch. Each of those packages owns
// its own tables and runs its schema on construction.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region open
// Open opens a SQLite database at dbPath with WAL and foreign keys enabled.
// A single connection is kept so writers serialize inside the driver.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database. Used by replay and tests.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// every pooled connection would get its own empty database
	db.SetMaxOpenConns(1)
	return db, nil
}

// #endregion open

// #region migrate
// Migrate runs each schema statement block in order.
func Migrate(db *sql.DB, schemas ...string) error {
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// #endregion migrate

// #region time-helpers
// TimeLayout is RFC 3339 with a fixed-width fraction so stored timestamps
// sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way every table stores timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// NullTime returns nil for a zero time so the column stores NULL.
func NullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}

// TimeFromNull converts a nullable column back to a time.
func TimeFromNull(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return ParseTime(ns.String)
}

// NullIfEmpty returns nil for an empty string so the column stores NULL.
func NullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion time-helpers
