package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

// --- Recording auditor ---

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) byAction(action string) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// --- Fault injection ---

// faultyStore wraps a MemoryStore and overrides selected operations.
type faultyStore struct {
	*pool.MemoryStore

	reserveFn     func(ctx context.Context, id, userID uuid.UUID) (*pool.Key, error)
	unreserveFn   func(ctx context.Context, id, userID uuid.UUID) (*pool.Key, error)
	candidatesFn  func(ctx context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]pool.Key, error)
	setMirrorFn   func(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error)
	clearMirrorFn func(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error)
}

func (s *faultyStore) Reserve(ctx context.Context, id, userID uuid.UUID) (*pool.Key, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, id, userID)
	}
	return s.MemoryStore.Reserve(ctx, id, userID)
}

func (s *faultyStore) Unreserve(ctx context.Context, id, userID uuid.UUID) (*pool.Key, error) {
	if s.unreserveFn != nil {
		return s.unreserveFn(ctx, id, userID)
	}
	return s.MemoryStore.Unreserve(ctx, id, userID)
}

func (s *faultyStore) Candidates(ctx context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]pool.Key, error) {
	if s.candidatesFn != nil {
		return s.candidatesFn(ctx, keyType, userID, exclude, limit)
	}
	return s.MemoryStore.Candidates(ctx, keyType, userID, exclude, limit)
}

func (s *faultyStore) SetMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	if s.setMirrorFn != nil {
		return s.setMirrorFn(ctx, userID, keyType, value)
	}
	return s.MemoryStore.SetMirror(ctx, userID, keyType, value)
}

func (s *faultyStore) ClearMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	if s.clearMirrorFn != nil {
		return s.clearMirrorFn(ctx, userID, keyType, value)
	}
	return s.MemoryStore.ClearMirror(ctx, userID, keyType, value)
}

// --- Fixtures ---

var testKeyTypes = pool.NewKeyTypes("glm", "openai", "anthropic")

func testSettings() pool.Settings {
	return pool.Settings{
		KeyTypes:      testKeyTypes,
		PreviewLength: 8,
		MaxAttempts:   3,
		StoreTimeout:  2 * time.Second,
	}
}

func testTelemetry(t *testing.T) *pool.Telemetry {
	t.Helper()
	tel, err := pool.NewTelemetry(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	require.NoError(t, err)
	return tel
}

// fixture bundles the services over one store.
type fixture struct {
	store    pool.Store
	mirrors  pool.MirrorStore
	auditor  *recordingAuditor
	alloc    *pool.Allocator
	releaser *pool.Releaser
	admin    *pool.Admin
}

func newFixture(t *testing.T, store pool.Store, mirrors pool.MirrorStore, settings pool.Settings) *fixture {
	t.Helper()
	tel := testTelemetry(t)
	auditor := &recordingAuditor{}
	return &fixture{
		store:    store,
		mirrors:  mirrors,
		auditor:  auditor,
		alloc:    pool.NewAllocator(store, mirrors, auditor, settings, nil, tel),
		releaser: pool.NewReleaser(store, mirrors, auditor, settings, nil, tel),
		admin:    pool.NewAdmin(store, auditor, settings, nil),
	}
}

func newMemoryFixture(t *testing.T) (*fixture, *pool.MemoryStore) {
	t.Helper()
	mem := pool.NewMemoryStore()
	return newFixture(t, mem, mem, testSettings()), mem
}

func addUsers(mem *pool.MemoryStore, n int) []uuid.UUID {
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = uuid.New()
		mem.AddUser(users[i])
	}
	return users
}

func createKey(t *testing.T, f *fixture, keyType, value string, maxUsers int) uuid.UUID {
	t.Helper()
	view, err := f.admin.Create(context.Background(), pool.NewKey{
		KeyType:  keyType,
		KeyValue: value,
		MaxUsers: maxUsers,
	}, "admin")
	require.NoError(t, err)
	// Distinct creation times keep candidate ordering deterministic.
	time.Sleep(2 * time.Millisecond)
	return view.ID
}

func assign(f *fixture, userID uuid.UUID, keyType string) (*pool.Assignment, error) {
	return f.alloc.Assign(context.Background(), pool.AssignRequest{
		UserID:  userID,
		KeyType: keyType,
		ActorID: userID.String(),
	})
}

func release(f *fixture, keyID, userID uuid.UUID) (bool, error) {
	return f.releaser.Release(context.Background(), pool.ReleaseRequest{
		KeyID:   keyID,
		UserID:  userID,
		ActorID: userID.String(),
	})
}

// requireConsistent checks capacity, uniqueness per type and that mirrors
// match memberships exactly.
func requireConsistent(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	keys, err := f.store.List(ctx, pool.ListFilter{})
	require.NoError(t, err)

	memberships := map[uuid.UUID]map[string]string{}
	for _, k := range keys {
		seen := map[uuid.UUID]bool{}
		for _, u := range k.AssignedUserIDs {
			require.False(t, seen[u], "user %s listed twice on key %s", u, k.ID)
			seen[u] = true
			if memberships[u] == nil {
				memberships[u] = map[string]string{}
			}
			_, dup := memberships[u][k.KeyType]
			require.False(t, dup, "user %s holds two %s keys", u, k.KeyType)
			memberships[u][k.KeyType] = k.KeyValue
		}
	}

	mirrors, err := f.mirrors.ListMirrors(ctx)
	require.NoError(t, err)
	fromMirrors := map[uuid.UUID]map[string]string{}
	for _, m := range mirrors {
		fromMirrors[m.UserID] = m.Keys
	}
	require.Equal(t, memberships, fromMirrors)
}
