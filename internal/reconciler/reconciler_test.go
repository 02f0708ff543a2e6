package reconciler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
	"github.com/autogenlabs-dev/backend-services/internal/reconciler"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	mem      *pool.MemoryStore
	auditor  *recordingAuditor
	alloc    *pool.Allocator
	releaser *pool.Releaser
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tel, err := pool.NewTelemetry(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	require.NoError(t, err)

	mem := pool.NewMemoryStore()
	auditor := &recordingAuditor{}
	settings := pool.Settings{KeyTypes: pool.NewKeyTypes("glm", "openai")}
	return &harness{
		mem:      mem,
		auditor:  auditor,
		alloc:    pool.NewAllocator(mem, mem, auditor, settings, nil, tel),
		releaser: pool.NewReleaser(mem, mem, auditor, settings, nil, tel),
	}
}

func (h *harness) newReconciler(repair bool, now time.Time) *reconciler.Reconciler {
	return reconciler.New(h.mem, h.mem, h.releaser, reconciler.Config{
		Interval: 10 * time.Millisecond,
		Repair:   repair,
		Grace:    5 * time.Minute,
		Now:      func() time.Time { return now },
	})
}

func (h *harness) addKey(t *testing.T, keyType, value string, maxUsers int) *pool.Key {
	t.Helper()
	k := &pool.Key{KeyType: keyType, KeyValue: value, IsActive: true, MaxUsers: maxUsers}
	require.NoError(t, h.mem.Create(context.Background(), k))
	return k
}

func (h *harness) addUser() uuid.UUID {
	id := uuid.New()
	h.mem.AddUser(id)
	return id
}

func TestRunOnce_NoDrift(t *testing.T) {
	h := newHarness(t)
	h.addKey(t, "glm", "glm-secret-value-0001", 2)
	user := h.addUser()
	_, err := h.alloc.Assign(context.Background(), pool.AssignRequest{UserID: user, KeyType: "glm", ActorID: "u"})
	require.NoError(t, err)

	report, err := h.newReconciler(true, time.Now().Add(time.Hour)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconciler.Report{UsersChecked: 1, KeysChecked: 1}, report)
}

func TestRunOnce_ClearsStaleMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addKey(t, "glm", "glm-secret-value-0001", 2)
	user := h.addUser()

	// A release that removed the membership but crashed before clearing the mirror.
	_, err := h.mem.SetMirror(ctx, user, "glm", "glm-secret-value-0001")
	require.NoError(t, err)

	report, err := h.newReconciler(true, time.Now()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleMirrors)
	assert.Equal(t, 1, report.Repaired)

	mirror, err := h.mem.GetMirror(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, mirror)

	// The user can be assigned again.
	_, err = h.alloc.Assign(ctx, pool.AssignRequest{UserID: user, KeyType: "glm", ActorID: "u"})
	assert.NoError(t, err)
}

func TestRunOnce_ReleasesOrphanAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.addKey(t, "glm", "glm-secret-value-0001", 1)
	user := h.addUser()

	// An assign that reserved a slot but never wrote the mirror.
	_, err := h.mem.Reserve(ctx, k.ID, user)
	require.NoError(t, err)

	report, err := h.newReconciler(true, time.Now().Add(time.Minute)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanMemberships)
	assert.Zero(t, report.Repaired, "still within grace period")

	report, err = h.newReconciler(true, time.Now().Add(10*time.Minute)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanMemberships)
	assert.Equal(t, 1, report.Repaired)

	got, err := h.mem.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Occupancy())
	assert.Contains(t, h.auditor.actions(), audit.ActionReleasePoolKeyDrift)
}

func TestRunOnce_ReportOnlyChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.addKey(t, "glm", "glm-secret-value-0001", 2)
	orphan, stale := h.addUser(), h.addUser()

	_, err := h.mem.Reserve(ctx, k.ID, orphan)
	require.NoError(t, err)
	_, err = h.mem.SetMirror(ctx, stale, "openai", "sk-gone")
	require.NoError(t, err)

	report, err := h.newReconciler(false, time.Now().Add(time.Hour)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanMemberships)
	assert.Equal(t, 1, report.StaleMirrors)
	assert.Zero(t, report.Repaired)

	got, err := h.mem.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.True(t, got.HasAssignee(orphan))
	mirror, err := h.mem.GetMirror(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, "sk-gone", mirror["openai"])
	assert.Empty(t, h.auditor.actions())
}

func TestRunOnce_CountsOverCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.addKey(t, "glm", "glm-secret-value-0001", 2)
	for range 2 {
		_, err := h.alloc.Assign(ctx, pool.AssignRequest{UserID: h.addUser(), KeyType: "glm", ActorID: "u"})
		require.NoError(t, err)
	}
	one := 1
	_, err := h.mem.Update(ctx, k.ID, pool.UpdateFields{MaxUsers: &one})
	require.NoError(t, err)

	report, err := h.newReconciler(true, time.Now().Add(time.Hour)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OverCapacity)
	assert.Zero(t, report.Repaired, "over-capacity keys are never evicted")
}

func TestStart_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := h.newReconciler(true, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}
