package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
)

// Auditor receives audit events. Emit must not block on the sink.
type Auditor interface {
	Emit(e audit.Event)
}

// Settings are the tunables shared by the pool services.
type Settings struct {
	KeyTypes      KeyTypes
	PreviewLength int
	// MaxAttempts bounds the reservations tried per assign.
	MaxAttempts int
	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.PreviewLength <= 0 {
		s.PreviewLength = DefaultPreviewLength
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = 5 * time.Second
	}
	return s
}

// AssignRequest asks for one key of KeyType for UserID. ActorID is recorded in
// the audit trail and may differ from UserID for admin assignments.
type AssignRequest struct {
	UserID  uuid.UUID
	KeyType string
	ActorID string
}

// Allocator hands out pool keys. It holds no locks: every capacity and
// membership check is a conditional update in the store.
type Allocator struct {
	store     Store
	mirrors   MirrorStore
	auditor   Auditor
	settings  Settings
	logger    *slog.Logger
	telemetry *Telemetry
}

// NewAllocator creates an Allocator. A nil logger or telemetry falls back to
// the process defaults.
func NewAllocator(store Store, mirrors MirrorStore, auditor Auditor, settings Settings, logger *slog.Logger, telemetry *Telemetry) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	if telemetry == nil {
		telemetry = defaultTelemetry()
	}
	return &Allocator{
		store:     store,
		mirrors:   mirrors,
		auditor:   auditor,
		settings:  settings.withDefaults(),
		logger:    logger,
		telemetry: telemetry,
	}
}

// Assign reserves a slot on the least-loaded active key of the requested type
// and records it on the user.
func (a *Allocator) Assign(ctx context.Context, req AssignRequest) (_ *Assignment, err error) {
	started := time.Now()
	ctx, span := a.telemetry.start(ctx, "pool.Assign", req.KeyType)
	defer func() { a.telemetry.recordAssign(ctx, span, req.KeyType, started, err) }()

	if !a.settings.KeyTypes.Contains(req.KeyType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, req.KeyType)
	}

	held, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (map[string]string, error) {
		return a.mirrors.GetMirror(ctx, req.UserID)
	})
	if err != nil {
		return nil, storeErr("reading user pool keys", err)
	}
	if _, ok := held[req.KeyType]; ok {
		return nil, ErrAlreadyAssigned
	}

	// A reservation whose rollback failed has no mirror entry, so membership
	// is checked as well.
	memberOf, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
		return a.store.FindByAssignee(ctx, req.UserID)
	})
	if err != nil {
		return nil, storeErr("finding user pool keys", err)
	}
	for _, k := range memberOf {
		if k.KeyType == req.KeyType {
			a.logger.Warn("user holds a pool key missing from its mirror",
				"keyId", k.ID, "keyType", k.KeyType, "keyPreview", k.Preview(a.settings.PreviewLength), "userId", req.UserID)
			return nil, ErrAlreadyAssigned
		}
	}

	var tried []uuid.UUID
	for len(tried) < a.settings.MaxAttempts {
		candidates, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
			return a.store.Candidates(ctx, req.KeyType, req.UserID, tried, a.settings.MaxAttempts-len(tried))
		})
		if err != nil {
			return nil, storeErr("listing candidates", err)
		}
		if len(candidates) == 0 {
			return nil, a.emptyPoolErr(ctx, req.KeyType)
		}

		for _, c := range candidates {
			tried = append(tried, c.ID)

			key, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (*Key, error) {
				return a.store.Reserve(ctx, c.ID, req.UserID)
			})
			if errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrKeyNotFound) {
				a.telemetry.recordConflict(ctx, req.KeyType)
				a.logger.Debug("pool key reservation lost", "keyId", c.ID, "keyType", req.KeyType)
				continue
			}
			if err != nil {
				return nil, storeErr("reserving pool key", err)
			}
			return a.commit(ctx, req, key)
		}
	}

	return nil, fmt.Errorf("%w: %d attempts on %q", ErrContention, len(tried), req.KeyType)
}

// commit records a reserved key on the user, undoing the reservation when the
// mirror cannot be written.
func (a *Allocator) commit(ctx context.Context, req AssignRequest, key *Key) (*Assignment, error) {
	preview := key.Preview(a.settings.PreviewLength)

	ok, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (bool, error) {
		return a.mirrors.SetMirror(ctx, req.UserID, req.KeyType, key.KeyValue)
	})
	if err == nil && ok {
		a.auditor.Emit(audit.Event{
			ActorID:      req.ActorID,
			Action:       audit.ActionAssignPoolKey,
			ResourceType: audit.ResourcePoolKey,
			ResourceID:   key.ID.String(),
			Details: map[string]any{
				"userId":     req.UserID.String(),
				"keyType":    req.KeyType,
				"keyPreview": preview,
			},
		})
		a.logger.Info("pool key assigned", "keyId", key.ID, "keyType", req.KeyType,
			"keyPreview", preview, "userId", req.UserID, "occupancy", key.Occupancy())

		return &Assignment{
			KeyID:      key.ID,
			KeyType:    req.KeyType,
			KeyPreview: preview,
			KeyValue:   key.KeyValue,
		}, nil
	}

	var cause error
	switch {
	case err == nil:
		cause = ErrAlreadyAssigned
	case errors.Is(err, ErrUserNotFound):
		cause = ErrUserNotFound
	default:
		cause = fmt.Errorf("%w: recording user pool key: %w", ErrTransient, err)
	}

	if rbErr := a.rollback(ctx, key.ID, req.UserID); rbErr != nil {
		a.logger.Error("pool key reservation could not be rolled back",
			"keyId", key.ID, "keyType", req.KeyType, "keyPreview", preview,
			"userId", req.UserID, "cause", cause, "error", rbErr)
		return nil, fmt.Errorf("%w: reservation on %s kept after %v", ErrInconsistent, key.ID, cause)
	}
	return nil, cause
}

// rollback runs even if the request context is already cancelled.
func (a *Allocator) rollback(ctx context.Context, keyID, userID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.StoreTimeout)
	defer cancel()
	_, err := a.store.Unreserve(ctx, keyID, userID)
	return err
}

func (a *Allocator) emptyPoolErr(ctx context.Context, keyType string) error {
	active, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (int, error) {
		return a.store.CountActive(ctx, keyType)
	})
	if err != nil {
		return storeErr("counting active pool keys", err)
	}
	if active == 0 {
		return fmt.Errorf("%w: %q", ErrTypeNotFound, keyType)
	}
	return fmt.Errorf("%w: %q", ErrNoCapacity, keyType)
}

// KeysFor returns the pool keys userID currently holds.
func (a *Allocator) KeysFor(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	keys, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
		return a.store.FindByAssignee(ctx, userID)
	})
	if err != nil {
		return nil, storeErr("finding user pool keys", err)
	}

	out := make([]Assignment, 0, len(keys))
	for _, k := range keys {
		out = append(out, Assignment{
			KeyID:      k.ID,
			KeyType:    k.KeyType,
			KeyPreview: k.Preview(a.settings.PreviewLength),
		})
	}
	return out, nil
}

// callStore runs fn under its own timeout derived from ctx.
func callStore[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// storeErr passes domain errors through and marks timeouts as transient.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
