package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autogenlabs-dev/backend-services/internal/database"
)

// SQLiteSink appends events to the audit_events table of the embedded store.
type SQLiteSink struct {
	db *database.SQLite
}

// NewSQLiteSink creates a Sink backed by SQLite.
func NewSQLiteSink(db *database.SQLite) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// Write inserts e, ignoring an event id that was already written.
func (s *SQLiteSink) Write(ctx context.Context, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}

	const query = `
		INSERT INTO audit_events (id, actor_id, action, resource_type, resource_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.db.Writer.ExecContext(ctx, query,
		e.ID.String(), e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		string(details), database.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
