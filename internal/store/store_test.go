package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = Migrate(db,
		`CREATE TABLE IF NOT EXISTS a (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS b (id INTEGER PRIMARY KEY)`,
	)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('a', 'b')`).Scan(&n))
	assert.Equal(t, 2, n)

	// Running migrations twice is harmless.
	require.NoError(t, Migrate(db, `CREATE TABLE IF NOT EXISTS a (id INTEGER PRIMARY KEY)`))
}

func TestMigrateError(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(db, `CREATE TABLE broken (`)
	assert.Error(t, err)
}

func TestTimeHelpers(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 500, time.UTC)
	assert.True(t, ts.Equal(ParseTime(FormatTime(ts))))
	assert.True(t, ParseTime("garbage").IsZero())

	assert.Nil(t, NullTime(time.Time{}))
	assert.Equal(t, FormatTime(ts), NullTime(ts))

	assert.True(t, TimeFromNull(sql.NullString{}).IsZero())
	assert.True(t, ts.Equal(TimeFromNull(sql.NullString{String: FormatTime(ts), Valid: true})))

	// lexical order follows time order even when fractions differ in length
	a := FormatTime(time.Date(2026, 3, 1, 12, 30, 0, 100_000_000, time.UTC))
	b := FormatTime(time.Date(2026, 3, 1, 12, 30, 0, 120_000_000, time.UTC))
	assert.Less(t, a, b)

	assert.Nil(t, NullIfEmpty(""))
	assert.Equal(t, "x", NullIfEmpty("x"))
}
