package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
)

// ReleaseRequest removes UserID from KeyID. Action defaults to
// audit.ActionUnassignPoolKey.
type ReleaseRequest struct {
	KeyID   uuid.UUID
	UserID  uuid.UUID
	ActorID string
	Action  string
}

// Releaser returns slots to the pool. Releasing a slot that is not held is a
// no-op, so every method is safe to retry.
type Releaser struct {
	store     Store
	mirrors   MirrorStore
	auditor   Auditor
	settings  Settings
	logger    *slog.Logger
	telemetry *Telemetry
}

// NewReleaser creates a Releaser. A nil logger or telemetry falls back to the
// process defaults.
func NewReleaser(store Store, mirrors MirrorStore, auditor Auditor, settings Settings, logger *slog.Logger, telemetry *Telemetry) *Releaser {
	if logger == nil {
		logger = slog.Default()
	}
	if telemetry == nil {
		telemetry = defaultTelemetry()
	}
	return &Releaser{
		store:     store,
		mirrors:   mirrors,
		auditor:   auditor,
		settings:  settings.withDefaults(),
		logger:    logger,
		telemetry: telemetry,
	}
}

// Release removes the user from the key and clears the matching mirror entry.
// It reports false when the user was not an assignee.
func (r *Releaser) Release(ctx context.Context, req ReleaseRequest) (released bool, err error) {
	var keyType string
	ctx, span := r.telemetry.start(ctx, "pool.Release", "")
	defer func() { r.telemetry.recordRelease(ctx, span, keyType, released, err) }()

	if req.Action == "" {
		req.Action = audit.ActionUnassignPoolKey
	}

	key, err := callStore(ctx, r.settings.StoreTimeout, func(ctx context.Context) (*Key, error) {
		return r.store.Unreserve(ctx, req.KeyID, req.UserID)
	})
	if err != nil {
		return false, storeErr("unreserving pool key", err)
	}
	if key == nil {
		return false, nil
	}
	keyType = key.KeyType
	tagKeyType(span, keyType)
	preview := key.Preview(r.settings.PreviewLength)

	r.auditor.Emit(audit.Event{
		ActorID:      req.ActorID,
		Action:       req.Action,
		ResourceType: audit.ResourcePoolKey,
		ResourceID:   key.ID.String(),
		Details: map[string]any{
			"userId":     req.UserID.String(),
			"keyType":    key.KeyType,
			"keyPreview": preview,
		},
	})

	// The membership change is committed; a mirror failure leaves a stale
	// entry for the reconciler to clear.
	cleared, err := callStore(context.WithoutCancel(ctx), r.settings.StoreTimeout, func(ctx context.Context) (bool, error) {
		return r.mirrors.ClearMirror(ctx, req.UserID, key.KeyType, key.KeyValue)
	})
	if err != nil {
		r.logger.Error("pool key released but user mirror not cleared",
			"keyId", key.ID, "keyType", key.KeyType, "keyPreview", preview, "userId", req.UserID, "error", err)
		return true, fmt.Errorf("%w: mirror for %s not cleared: %w", ErrInconsistent, key.KeyType, err)
	}
	if !cleared {
		r.logger.Warn("user mirror did not reference released key",
			"keyId", key.ID, "keyType", key.KeyType, "keyPreview", preview, "userId", req.UserID)
	}

	r.logger.Info("pool key released", "keyId", key.ID, "keyType", key.KeyType,
		"keyPreview", preview, "userId", req.UserID, "action", req.Action)
	return true, nil
}

// ReleaseType releases the key of keyType held by userID, if any.
func (r *Releaser) ReleaseType(ctx context.Context, userID uuid.UUID, keyType, actorID string) (bool, error) {
	if !r.settings.KeyTypes.Contains(keyType) {
		return false, fmt.Errorf("%w: %q", ErrUnknownKeyType, keyType)
	}

	keys, err := callStore(ctx, r.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
		return r.store.FindByAssignee(ctx, userID)
	})
	if err != nil {
		return false, storeErr("finding user pool keys", err)
	}

	released := false
	for _, k := range keys {
		if k.KeyType != keyType {
			continue
		}
		ok, err := r.Release(ctx, ReleaseRequest{KeyID: k.ID, UserID: userID, ActorID: actorID})
		if err != nil {
			return released || ok, err
		}
		released = released || ok
	}
	return released, nil
}

// ReleaseAllForUser releases every key userID holds, recording each release
// as ActionReleasePoolKeyOnRevoke. It returns the number released and every
// failure joined together.
func (r *Releaser) ReleaseAllForUser(ctx context.Context, userID uuid.UUID, actorID string) (int, error) {
	keys, err := callStore(ctx, r.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
		return r.store.FindByAssignee(ctx, userID)
	})
	if err != nil {
		return 0, storeErr("finding user pool keys", err)
	}

	var (
		count int
		errs  []error
	)
	for _, k := range keys {
		ok, err := r.Release(ctx, ReleaseRequest{
			KeyID:   k.ID,
			UserID:  userID,
			ActorID: actorID,
			Action:  audit.ActionReleasePoolKeyOnRevoke,
		})
		if ok {
			count++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("releasing %s: %w", k.ID, err))
		}
	}
	return count, errors.Join(errs...)
}
