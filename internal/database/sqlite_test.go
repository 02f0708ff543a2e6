package database

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLiteMemory(ctx, url.PathEscape(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	for _, table := range []string{"users", "pool_keys", "audit_events"} {
		var name string
		err := db.Reader.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestSQLite_AuditEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLiteMemory(ctx, url.PathEscape(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	_, err = db.Writer.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor_id, action, resource_type, resource_id, details, created_at)
		 VALUES ('e1', 'u1', 'ASSIGN_POOL_KEY', 'pool_key', 'k1', '{}', ?)`, FormatTime(time.Now()))
	require.NoError(t, err)

	_, err = db.Writer.ExecContext(ctx, `UPDATE audit_events SET action = 'X' WHERE id = 'e1'`)
	assert.Error(t, err)

	_, err = db.Writer.ExecContext(ctx, `DELETE FROM audit_events WHERE id = 'e1'`)
	assert.Error(t, err)
}

func TestFormatTime_RoundTripAndOrdering(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 100, time.UTC)
	b := a.Add(900 * time.Millisecond)

	parsed, err := ParseTime(FormatTime(a))
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))

	assert.Less(t, FormatTime(a), FormatTime(b))
	assert.Len(t, FormatTime(a), len(TimeLayout))
}
