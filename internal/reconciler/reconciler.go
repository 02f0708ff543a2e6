package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

// Actor is recorded on audit events raised by repairs.
var Actor = audit.SystemActor("reconciler")

// Config controls the reconciliation loop.
type Config struct {
	Interval time.Duration
	// Repair enables fixing drift instead of only reporting it.
	Repair bool
	// Grace is how long a membership without a mirror entry is left alone,
	// since an assign writes the membership before the mirror.
	Grace time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one pass.
type Report struct {
	UsersChecked      int
	KeysChecked       int
	StaleMirrors      int
	OrphanMemberships int
	OverCapacity      int
	Repaired          int
}

// Reconciler polls pool keys and user mirrors and reconciles drift between
// them: a mirror entry must correspond to exactly one membership.
type Reconciler struct {
	store    pool.Store
	mirrors  pool.MirrorStore
	releaser *pool.Releaser
	cfg      Config
}

// New creates a new Reconciler.
func New(store pool.Store, mirrors pool.MirrorStore, releaser *pool.Releaser, cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{
		store:    store,
		mirrors:  mirrors,
		releaser: releaser,
		cfg:      cfg,
	}
}

// Start begins the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	slog.Info("reconciler started", "interval", r.cfg.Interval.String(), "repair", r.cfg.Repair)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconciler: pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass. Mirrors are read before keys so that an
// assign completing mid-pass shows up as a recent membership, which the
// grace period protects, rather than as a stale mirror.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	mirrors, err := r.mirrors.ListMirrors(ctx)
	if err != nil {
		return report, err
	}
	keys, err := r.store.List(ctx, pool.ListFilter{})
	if err != nil {
		return report, err
	}
	report.UsersChecked = len(mirrors)
	report.KeysChecked = len(keys)

	held := make(map[uuid.UUID]map[string]string, len(mirrors))
	for _, m := range mirrors {
		held[m.UserID] = m.Keys
	}

	type membership struct {
		userID  uuid.UUID
		keyType string
	}
	backed := map[membership]string{}

	for i := range keys {
		k := &keys[i]
		if k.Occupancy() > k.MaxUsers {
			report.OverCapacity++
			slog.Info("reconciler: key above lowered capacity", "keyId", k.ID, "keyType", k.KeyType,
				"occupancy", k.Occupancy(), "maxUsers", k.MaxUsers)
		}
		for _, userID := range k.AssignedUserIDs {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			backed[membership{userID, k.KeyType}] = k.KeyValue
			if held[userID][k.KeyType] == k.KeyValue {
				continue
			}
			report.OrphanMemberships++
			if r.releaseOrphan(ctx, k, userID) {
				report.Repaired++
			}
		}
	}

	for userID, entries := range held {
		for keyType, value := range entries {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if backed[membership{userID, keyType}] == value {
				continue
			}
			report.StaleMirrors++
			if r.clearStale(ctx, userID, keyType, value) {
				report.Repaired++
			}
		}
	}

	if report.OrphanMemberships+report.StaleMirrors > 0 {
		slog.Warn("reconciler: drift detected",
			"orphanMemberships", report.OrphanMemberships,
			"staleMirrors", report.StaleMirrors,
			"repaired", report.Repaired,
		)
	}
	return report, nil
}

// releaseOrphan frees a slot whose holder has no matching mirror entry, once
// the key has been quiet for the grace period.
func (r *Reconciler) releaseOrphan(ctx context.Context, k *pool.Key, userID uuid.UUID) bool {
	logArgs := []any{"keyId", k.ID, "keyType", k.KeyType, "userId", userID}
	if !r.cfg.Repair {
		slog.Warn("reconciler: membership without mirror entry", logArgs...)
		return false
	}
	if r.cfg.Now().Sub(k.UpdatedAt) < r.cfg.Grace {
		slog.Debug("reconciler: membership without mirror entry within grace period", logArgs...)
		return false
	}

	released, err := r.releaser.Release(ctx, pool.ReleaseRequest{
		KeyID:   k.ID,
		UserID:  userID,
		ActorID: Actor,
		Action:  audit.ActionReleasePoolKeyDrift,
	})
	if err != nil {
		slog.Error("reconciler: failed to release orphan membership", append(logArgs, "error", err)...)
		return false
	}
	if released {
		slog.Info("reconciler: released orphan membership", logArgs...)
	}
	return released
}

// clearStale removes a mirror entry with no backing membership after
// re-checking the user's current keys.
func (r *Reconciler) clearStale(ctx context.Context, userID uuid.UUID, keyType, value string) bool {
	logArgs := []any{"userId", userID, "keyType", keyType}
	if !r.cfg.Repair {
		slog.Warn("reconciler: mirror entry without membership", logArgs...)
		return false
	}

	current, err := r.store.FindByAssignee(ctx, userID)
	if err != nil {
		slog.Error("reconciler: failed to re-check user keys", append(logArgs, "error", err)...)
		return false
	}
	for _, k := range current {
		if k.KeyType == keyType && k.KeyValue == value {
			return false
		}
	}

	cleared, err := r.mirrors.ClearMirror(ctx, userID, keyType, value)
	if err != nil {
		slog.Error("reconciler: failed to clear stale mirror entry", append(logArgs, "error", err)...)
		return false
	}
	if cleared {
		slog.Info("reconciler: cleared stale mirror entry", logArgs...)
	}
	return cleared
}
