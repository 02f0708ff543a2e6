package pool

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a pool key record is not found.
var ErrKeyNotFound = errors.New("pool key not found")

// ErrUserNotFound is returned when the user does not exist or has been revoked.
var ErrUserNotFound = errors.New("user not found")

// ErrInvalidKey is returned when a create or update carries invalid fields.
var ErrInvalidKey = errors.New("invalid pool key")

// ErrUnknownKeyType is returned when a key type is outside the configured set.
var ErrUnknownKeyType = errors.New("unknown key type")

// ErrTypeNotFound is returned when no active record of the requested type exists.
var ErrTypeNotFound = errors.New("no active pool key of this type")

// ErrNoCapacity is returned when active records exist but every one is full.
var ErrNoCapacity = errors.New("no pool key with free capacity")

// ErrAlreadyAssigned is returned when the user already holds a key of the type.
var ErrAlreadyAssigned = errors.New("user already holds a key of this type")

// ErrContention is returned when every assign attempt lost a race.
var ErrContention = errors.New("pool key assignment contended, retry")

// ErrReservationConflict is returned by Store.Reserve when the record no
// longer satisfies the reservation conditions.
var ErrReservationConflict = errors.New("pool key reservation conflict")

// ErrKeyInUse is returned when deleting a record that still has assignees.
var ErrKeyInUse = errors.New("pool key has assignees")

// ErrTransient wraps store failures the caller may retry.
var ErrTransient = errors.New("pool store temporarily unavailable")

// ErrInconsistent is returned when a partial failure could not be rolled back.
var ErrInconsistent = errors.New("pool key state inconsistent")

// Kind classifies errors for callers that map them to responses.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindResourceExhausted
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// KindOf returns the Kind of err. Unrecognized errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrUnknownKeyType):
		return KindInvalid
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrTypeNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrContention),
		errors.Is(err, ErrKeyInUse), errors.Is(err, ErrReservationConflict):
		return KindConflict
	case errors.Is(err, ErrNoCapacity):
		return KindResourceExhausted
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}
