package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions recorded for pool keys.
const (
	ActionAssignPoolKey          = "ASSIGN_POOL_KEY"
	ActionUnassignPoolKey        = "UNASSIGN_POOL_KEY"
	ActionReleasePoolKeyOnRevoke = "RELEASE_POOL_KEY_ON_REVOKE"
	ActionReleasePoolKeyDrift    = "RELEASE_POOL_KEY_DRIFT"
	ActionCreatePoolKey          = "CREATE_POOL_KEY"
	ActionUpdatePoolKey          = "UPDATE_POOL_KEY"
	ActionDeletePoolKey          = "DELETE_POOL_KEY"
)

// ResourcePoolKey is the resource type of every pool key event.
const ResourcePoolKey = "pool_key"

// SystemActor returns the actor id used for events raised by a background
// component rather than a user.
func SystemActor(component string) string {
	return "system:" + component
}

// Event is one append-only audit record. Details never carry a full key value.
type Event struct {
	ID           uuid.UUID
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	Timestamp    time.Time
}

// Sink persists events. Write must be safe to call again with the same event.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// withDefaults fills the ID, timestamp and details map when unset.
func (e Event) withDefaults() Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e
}
