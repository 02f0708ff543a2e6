package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends events to the audit_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a Sink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Write inserts e, ignoring an event id that was already written.
func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	query := `
		INSERT INTO audit_events (id, actor_id, action, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.Details, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
