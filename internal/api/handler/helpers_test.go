package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/auth"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

func withIdentity(req *http.Request, userID uuid.UUID, superuser bool) *http.Request {
	identity := &auth.Identity{UserID: userID, UserName: "tester", IsSuperuser: superuser}
	return req.WithContext(middleware.WithIdentity(req.Context(), identity))
}

func makeChiRequest(method, path string, body []byte, params map[string]string) (*http.Request, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()

	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	return req, w
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func parseEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &env)
	require.NoError(t, err, "failed to parse response body")
	return env
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	env := parseEnvelope(t, w)
	errObj, ok := env["error"].(map[string]interface{})
	require.True(t, ok, "expected an error object, got %s", w.Body.String())
	return errObj["code"].(string)
}

func dataObject(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	env := parseEnvelope(t, w)
	data, ok := env["data"].(map[string]interface{})
	require.True(t, ok, "expected a data object, got %s", w.Body.String())
	return data
}

// --- Pool fixture ---

type discardAuditor struct{}

func (discardAuditor) Emit(audit.Event) {}

var testKeyTypes = pool.NewKeyTypes("glm", "openai")

type poolFixture struct {
	store    *pool.MemoryStore
	admin    *pool.Admin
	alloc    *pool.Allocator
	releaser *pool.Releaser
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	store := pool.NewMemoryStore()
	settings := pool.Settings{
		KeyTypes:      testKeyTypes,
		PreviewLength: 8,
		MaxAttempts:   3,
		StoreTimeout:  time.Second,
	}
	return &poolFixture{
		store:    store,
		admin:    pool.NewAdmin(store, discardAuditor{}, settings, nil),
		alloc:    pool.NewAllocator(store, store, discardAuditor{}, settings, nil, nil),
		releaser: pool.NewReleaser(store, store, discardAuditor{}, settings, nil, nil),
	}
}

func (f *poolFixture) addUser() uuid.UUID {
	id := uuid.New()
	f.store.AddUser(id)
	return id
}

func (f *poolFixture) createKey(t *testing.T, keyType, value string, maxUsers int) *pool.KeyView {
	t.Helper()
	view, err := f.admin.Create(context.Background(), pool.NewKey{
		KeyType:  keyType,
		KeyValue: value,
		MaxUsers: maxUsers,
	}, "test")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	return view
}

// --- Mocks ---

type mockAllocator struct {
	assignFn  func(ctx context.Context, req pool.AssignRequest) (*pool.Assignment, error)
	keysForFn func(ctx context.Context, userID uuid.UUID) ([]pool.Assignment, error)
}

func (m *mockAllocator) Assign(ctx context.Context, req pool.AssignRequest) (*pool.Assignment, error) {
	if m.assignFn != nil {
		return m.assignFn(ctx, req)
	}
	return nil, pool.ErrNoCapacity
}

func (m *mockAllocator) KeysFor(ctx context.Context, userID uuid.UUID) ([]pool.Assignment, error) {
	if m.keysForFn != nil {
		return m.keysForFn(ctx, userID)
	}
	return []pool.Assignment{}, nil
}

type mockReleaser struct {
	releaseFn    func(ctx context.Context, req pool.ReleaseRequest) (bool, error)
	releaseAllFn func(ctx context.Context, userID uuid.UUID, actorID string) (int, error)
}

func (m *mockReleaser) Release(ctx context.Context, req pool.ReleaseRequest) (bool, error) {
	if m.releaseFn != nil {
		return m.releaseFn(ctx, req)
	}
	return false, nil
}

func (m *mockReleaser) ReleaseType(_ context.Context, _ uuid.UUID, _, _ string) (bool, error) {
	return false, nil
}

func (m *mockReleaser) ReleaseAllForUser(ctx context.Context, userID uuid.UUID, actorID string) (int, error) {
	if m.releaseAllFn != nil {
		return m.releaseAllFn(ctx, userID, actorID)
	}
	return 0, nil
}

type mockUserRepo struct {
	createFn  func(ctx context.Context, u *auth.User) error
	getByIDFn func(ctx context.Context, id uuid.UUID) (*auth.User, error)
	listFn    func(ctx context.Context) ([]auth.User, error)
	revokeFn  func(ctx context.Context, id uuid.UUID) error
}

func (m *mockUserRepo) Create(ctx context.Context, u *auth.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, u)
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now().UTC()
	return nil
}

func (m *mockUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, auth.ErrUserNotFound
}

func (m *mockUserRepo) FindByPrefix(_ context.Context, _ string) ([]auth.User, error) {
	return []auth.User{}, nil
}

func (m *mockUserRepo) List(ctx context.Context) ([]auth.User, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return []auth.User{}, nil
}

func (m *mockUserRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) CountAll(_ context.Context) (int, error) {
	return 0, nil
}
