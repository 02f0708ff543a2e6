package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/auth"
	"github.com/autogenlabs-dev/backend-services/internal/database"
)

const testBcryptCost = 4

func setupAuthService(t *testing.T) (*auth.Service, auth.UserRepository) {
	t.Helper()

	db, err := database.OpenSQLiteMemory(context.Background(), url.PathEscape(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	userRepo := auth.NewSQLiteRepository(db)
	return auth.NewService(userRepo, testBcryptCost), userRepo
}

func createUser(t *testing.T, svc *auth.Service, repo auth.UserRepository, name string, superuser bool) (*auth.User, string) {
	t.Helper()

	rawKey, prefix, hash, err := svc.GenerateKey()
	require.NoError(t, err)

	u := &auth.User{Name: name, IsSuperuser: superuser, ApiKeyPrefix: prefix, ApiKeyHash: hash}
	require.NoError(t, repo.Create(context.Background(), u))
	return u, rawKey
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func parseErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &env)
	require.NoError(t, err)
	return env
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code)
	env := parseErrorResponse(t, w)
	apiErr := env["error"].(map[string]interface{})
	assert.Equal(t, code, apiErr["code"])
}

// --- RequestID ---

func TestRequestID_GeneratesNewID(t *testing.T) {
	var capturedID string
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = middleware.GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	_, err := uuid.Parse(capturedID)
	assert.NoError(t, err, "generated request ID should be a valid UUID")
	assert.Equal(t, capturedID, w.Header().Get("X-Request-ID"))
}

func TestRequestID_UsesExistingHeader(t *testing.T) {
	var capturedID string
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = middleware.GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-from-proxy")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, "req-from-proxy", capturedID)
	assert.Equal(t, "req-from-proxy", w.Header().Get("X-Request-ID"))
}

func TestRequestID_ReplacesOversizedHeader(t *testing.T) {
	var capturedID string
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = middleware.GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	_, err := uuid.Parse(capturedID)
	assert.NoError(t, err)
}

// --- Recovery ---

func TestRecovery_HandlesPanicWithRequestID(t *testing.T) {
	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := middleware.RequestID(middleware.Recovery(panicker))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "panic-req")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusInternalServerError, "INTERNAL_ERROR")
	env := parseErrorResponse(t, w)
	meta := env["meta"].(map[string]interface{})
	assert.Equal(t, "panic-req", meta["requestId"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	handler := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	})
}

// --- Auth ---

func TestAuth_MissingKey(t *testing.T) {
	svc, _ := setupAuthService(t)

	handler := middleware.Auth(svc)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestAuth_InvalidKey(t *testing.T) {
	svc, _ := setupAuthService(t)

	handler := middleware.Auth(svc)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "bsk_invalidkeyvalue12345678901234567890")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")
	apiErr := parseErrorResponse(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "Invalid or revoked API key", apiErr["message"])
}

func TestAuth_ValidKey_IdentityInContext(t *testing.T) {
	svc, repo := setupAuthService(t)
	u, rawKey := createUser(t, svc, repo, "alice", false)

	var captured *auth.Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = middleware.GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := middleware.Auth(svc)(inner)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", rawKey)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, u.ID, captured.UserID)
	assert.Equal(t, "alice", captured.UserName)
	assert.False(t, captured.IsSuperuser)
}

func TestAuth_RevokedKey(t *testing.T) {
	svc, repo := setupAuthService(t)
	u, rawKey := createUser(t, svc, repo, "bob", false)
	require.NoError(t, repo.Revoke(context.Background(), u.ID))

	handler := middleware.Auth(svc)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", rawKey)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestGetIdentity_EmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, middleware.GetIdentity(req.Context()))
}

// --- RequireSuperuser ---

func TestRequireSuperuser(t *testing.T) {
	svc, repo := setupAuthService(t)
	_, adminKey := createUser(t, svc, repo, "admin", true)
	_, userKey := createUser(t, svc, repo, "carol", false)

	chain := middleware.Auth(svc)(middleware.RequireSuperuser()(okHandler()))

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"superuser passes", adminKey, http.StatusOK},
		{"regular user forbidden", userKey, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-API-Key", tt.key)
			w := httptest.NewRecorder()

			chain.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireSuperuser_NoIdentity(t *testing.T) {
	handler := middleware.RequireSuperuser()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")
}
