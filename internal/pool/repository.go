package pool

import (
	"context"

	"github.com/google/uuid"
)

// Store provides operations on the pool_keys table. Reserve and Unreserve are
// single atomic conditional updates; callers never read-modify-write the
// assignee set.
type Store interface {
	Create(ctx context.Context, k *Key) error
	GetByID(ctx context.Context, id uuid.UUID) (*Key, error)
	List(ctx context.Context, filter ListFilter) ([]Key, error)

	// Candidates returns up to limit active keys of keyType with a free slot
	// that userID does not already hold, skipping ids in exclude. Ordered by
	// free capacity descending, then creation time, then id.
	Candidates(ctx context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]Key, error)
	CountActive(ctx context.Context, keyType string) (int, error)

	// Reserve adds userID to the assignee set if the key is active and below
	// capacity, and userID holds no key of the same type (this one included).
	// Returns ErrReservationConflict when the conditions fail and
	// ErrKeyNotFound when the record is gone.
	Reserve(ctx context.Context, id, userID uuid.UUID) (*Key, error)

	// Unreserve removes userID from the assignee set. Returns nil, nil when
	// userID was not an assignee.
	Unreserve(ctx context.Context, id, userID uuid.UUID) (*Key, error)

	Update(ctx context.Context, id uuid.UUID, fields UpdateFields) (*Key, error)

	// Delete removes a record with no assignees. Returns ErrKeyInUse otherwise.
	Delete(ctx context.Context, id uuid.UUID) error
	FindByAssignee(ctx context.Context, userID uuid.UUID) ([]Key, error)
}

// MirrorStore provides conditional writes on the per-user held-keys map.
type MirrorStore interface {
	// GetMirror returns the held keys of an active user, or ErrUserNotFound.
	GetMirror(ctx context.Context, userID uuid.UUID) (map[string]string, error)

	// SetMirror records value for keyType unless a different value is already
	// there. Reports false in that case. Returns ErrUserNotFound for a
	// missing or revoked user.
	SetMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error)

	// ClearMirror removes keyType only if it still maps to value.
	ClearMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error)

	// ListMirrors returns every user with at least one held key.
	ListMirrors(ctx context.Context) ([]UserMirror, error)
}
