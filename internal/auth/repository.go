package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUserNotFound means no user row has the id.
var ErrUserNotFound = errors.New("user not found")

// ErrUserRevoked means the user exists but its API key was already revoked.
var ErrUserRevoked = errors.New("user is revoked")

var _ UserRepository = (*PostgresRepository)(nil)

// UserRepository stores callers of the pool API. The pool_keys mirror column
// on the same rows belongs to pool.MirrorStore and is not touched here.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	// GetByID returns revoked users too; callers check RevokedAt.
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindByPrefix returns the unrevoked users whose stored key prefix equals
	// prefix. More than one may match; the hash decides.
	FindByPrefix(ctx context.Context, prefix string) ([]User, error)
	List(ctx context.Context) ([]User, error)
	// Revoke returns ErrUserRevoked when the user was already revoked.
	Revoke(ctx context.Context, id uuid.UUID) error
	// CountAll includes revoked users, so bootstrap runs only once.
	CountAll(ctx context.Context) (int, error)
}
