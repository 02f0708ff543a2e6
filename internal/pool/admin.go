package pool

import (
	"context"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
)

// Admin manages credential records. None of its results carry a key value.
type Admin struct {
	store    Store
	auditor  Auditor
	settings Settings
	logger   *slog.Logger
}

// NewAdmin creates an Admin service.
func NewAdmin(store Store, auditor Auditor, settings Settings, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:    store,
		auditor:  auditor,
		settings: settings.withDefaults(),
		logger:   logger,
	}
}

// KeyTypes returns the configured key types.
func (a *Admin) KeyTypes() []string {
	return a.settings.KeyTypes.Names()
}

// Create validates and stores a new credential record.
func (a *Admin) Create(ctx context.Context, nk NewKey, actorID string) (*KeyView, error) {
	if err := ValidateNew(nk, a.settings.KeyTypes); err != nil {
		return nil, err
	}

	k := &Key{
		KeyType:  nk.KeyType,
		KeyValue: nk.KeyValue,
		Label:    nk.Label,
		IsActive: nk.IsActive == nil || *nk.IsActive,
		MaxUsers: nk.MaxUsers,
	}
	if _, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.store.Create(ctx, k)
	}); err != nil {
		return nil, storeErr("creating pool key", err)
	}

	view := k.View(a.settings.PreviewLength)
	a.emit(actorID, audit.ActionCreatePoolKey, view, map[string]any{"maxUsers": k.MaxUsers, "isActive": k.IsActive})
	a.logger.Info("pool key created", "keyId", k.ID, "keyType", k.KeyType, "keyPreview", view.KeyPreview)
	return &view, nil
}

// List returns the records matching filter.
func (a *Admin) List(ctx context.Context, filter ListFilter) ([]KeyView, error) {
	keys, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) ([]Key, error) {
		return a.store.List(ctx, filter)
	})
	if err != nil {
		return nil, storeErr("listing pool keys", err)
	}

	views := make([]KeyView, 0, len(keys))
	for i := range keys {
		views = append(views, keys[i].View(a.settings.PreviewLength))
	}
	return views, nil
}

// Get returns one record.
func (a *Admin) Get(ctx context.Context, id uuid.UUID) (*KeyView, error) {
	k, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (*Key, error) {
		return a.store.GetByID(ctx, id)
	})
	if err != nil {
		return nil, storeErr("getting pool key", err)
	}
	view := k.View(a.settings.PreviewLength)
	return &view, nil
}

// Update applies a partial update. Lowering MaxUsers below the occupancy or
// deactivating a key keeps existing assignees.
func (a *Admin) Update(ctx context.Context, id uuid.UUID, fields UpdateFields, actorID string) (*KeyView, error) {
	if err := ValidateUpdate(fields); err != nil {
		return nil, err
	}

	k, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (*Key, error) {
		return a.store.Update(ctx, id, fields)
	})
	if err != nil {
		return nil, storeErr("updating pool key", err)
	}

	view := k.View(a.settings.PreviewLength)
	if !fields.IsEmpty() {
		details := map[string]any{}
		if fields.Label != nil {
			details["label"] = *fields.Label
		}
		if fields.MaxUsers != nil {
			details["maxUsers"] = *fields.MaxUsers
		}
		if fields.IsActive != nil {
			details["isActive"] = *fields.IsActive
		}
		a.emit(actorID, audit.ActionUpdatePoolKey, view, details)
	}
	if view.Occupancy > view.MaxUsers {
		a.logger.Warn("pool key over capacity after update", "keyId", id,
			"occupancy", view.Occupancy, "maxUsers", view.MaxUsers)
	}
	return &view, nil
}

// Delete removes a record that has no assignees.
func (a *Admin) Delete(ctx context.Context, id uuid.UUID, actorID string) error {
	k, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (*Key, error) {
		return a.store.GetByID(ctx, id)
	})
	if err != nil {
		return storeErr("getting pool key", err)
	}

	if _, err := callStore(ctx, a.settings.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.store.Delete(ctx, id)
	}); err != nil {
		return storeErr("deleting pool key", err)
	}

	a.emit(actorID, audit.ActionDeletePoolKey, k.View(a.settings.PreviewLength), nil)
	a.logger.Info("pool key deleted", "keyId", id, "keyType", k.KeyType)
	return nil
}

func (a *Admin) emit(actorID, action string, view KeyView, extra map[string]any) {
	details := map[string]any{
		"keyType":    view.KeyType,
		"keyPreview": view.KeyPreview,
	}
	maps.Copy(details, extra)
	a.auditor.Emit(audit.Event{
		ActorID:      actorID,
		Action:       action,
		ResourceType: audit.ResourcePoolKey,
		ResourceID:   view.ID.String(),
		Details:      details,
	})
}
