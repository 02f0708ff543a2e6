package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column in
// the SQLite schema. Fixed width keeps lexical ORDER BY equal to time order.
const TimeLayout = "2006-01-02 15:04:05.000000000"

// SQLite provides dual reader/writer connections to a SQLite database.
// The writer is limited to a single connection, so every UPDATE issued
// through it is serialized by SQLite itself.
type SQLite struct {
	Writer *sql.DB
	Reader *sql.DB
	path   string
}

// OpenSQLite opens the database at path with WAL mode, a busy timeout and
// foreign keys enabled.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	return openSQLiteDSN(ctx, dsn, path)
}

// OpenSQLiteMemory opens a named in-memory database. Reader and Writer share
// one connection, since shared-cache readers fail with SQLITE_LOCKED instead
// of waiting on the writer.
func OpenSQLiteMemory(ctx context.Context, name string) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		name,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory database: %w", err)
	}
	return &SQLite{Writer: db, Reader: db, path: name}, nil
}

func openSQLiteDSN(ctx context.Context, dsn, path string) (*SQLite, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.PingContext(ctx); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &SQLite{Writer: writer, Reader: reader, path: path}, nil
}

// Ping verifies the writer connection is alive.
func (db *SQLite) Ping(ctx context.Context) error {
	return db.Writer.PingContext(ctx)
}

// Close closes both connections. Returns the first error encountered.
func (db *SQLite) Close() error {
	var firstErr error

	if db.Reader != db.Writer {
		if err := db.Reader.Close(); err != nil {
			firstErr = fmt.Errorf("close reader: %w", err)
		}
	}

	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
