package pool_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

func ptr[T any](v T) *T { return &v }

func TestAdmin_CreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		nk      pool.NewKey
		wantErr error
	}{
		{name: "empty value", nk: pool.NewKey{KeyType: "glm", KeyValue: "  ", MaxUsers: 1}, wantErr: pool.ErrInvalidKey},
		{name: "zero max users", nk: pool.NewKey{KeyType: "glm", KeyValue: "v", MaxUsers: 0}, wantErr: pool.ErrInvalidKey},
		{name: "negative max users", nk: pool.NewKey{KeyType: "glm", KeyValue: "v", MaxUsers: -1}, wantErr: pool.ErrInvalidKey},
		{name: "unknown type", nk: pool.NewKey{KeyType: "cohere", KeyValue: "v", MaxUsers: 1}, wantErr: pool.ErrUnknownKeyType},
		{name: "label too long", nk: pool.NewKey{KeyType: "glm", KeyValue: "v", MaxUsers: 1, Label: strings.Repeat("x", 256)}, wantErr: pool.ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newMemoryFixture(t)

			_, err := f.admin.Create(context.Background(), tt.nk, "admin")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, pool.KindInvalid, pool.KindOf(err))

			keys, err := f.store.List(context.Background(), pool.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestAdmin_CreateDefaultsToActive(t *testing.T) {
	f, _ := newMemoryFixture(t)
	ctx := context.Background()

	view, err := f.admin.Create(ctx, pool.NewKey{KeyType: "glm", KeyValue: "glm-secret-value-0001", MaxUsers: 2, Label: "team a"}, "admin")
	require.NoError(t, err)
	assert.True(t, view.IsActive)
	assert.Equal(t, "team a", view.Label)
	assert.Equal(t, 0, view.Occupancy)

	inactive, err := f.admin.Create(ctx, pool.NewKey{KeyType: "glm", KeyValue: "glm-secret-value-0002", MaxUsers: 2, IsActive: ptr(false)}, "admin")
	require.NoError(t, err)
	assert.False(t, inactive.IsActive)

	events := f.auditor.byAction(audit.ActionCreatePoolKey)
	require.Len(t, events, 2)
	assert.Equal(t, "admin", events[0].ActorID)
}

func TestAdmin_ListNeverExposesValue(t *testing.T) {
	f, mem := newMemoryFixture(t)
	user := addUsers(mem, 1)[0]
	secrets := []string{"glm-secret-value-0001", "sk-openai-key-aaaaaaaa"}
	createKey(t, f, "glm", secrets[0], 2)
	createKey(t, f, "openai", secrets[1], 2)

	_, err := assign(f, user, "glm")
	require.NoError(t, err)

	views, err := f.admin.List(context.Background(), pool.ListFilter{})
	require.NoError(t, err)
	require.Len(t, views, 2)

	rendered := fmt.Sprintf("%+v", views)
	for _, s := range secrets {
		assert.NotContains(t, rendered, s)
	}
	assert.Equal(t, "glm-secr...", views[0].KeyPreview)
	assert.Equal(t, 1, views[0].Occupancy)

	for _, e := range f.auditor.events {
		for _, s := range secrets {
			assert.NotContains(t, fmt.Sprintf("%+v", e), s)
		}
	}
}

func TestAdmin_ListFilter(t *testing.T) {
	f, _ := newMemoryFixture(t)
	ctx := context.Background()
	glm := createKey(t, f, "glm", "glm-secret-value-0001", 2)
	createKey(t, f, "openai", "sk-openai-key-aaaaaaaa", 2)
	_, err := f.admin.Update(ctx, glm, pool.UpdateFields{IsActive: ptr(false)}, "admin")
	require.NoError(t, err)

	views, err := f.admin.List(ctx, pool.ListFilter{KeyType: ptr("glm")})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, glm, views[0].ID)

	views, err = f.admin.List(ctx, pool.ListFilter{Active: ptr(true)})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "openai", views[0].KeyType)
}

func TestAdmin_Update(t *testing.T) {
	f, _ := newMemoryFixture(t)
	ctx := context.Background()
	id := createKey(t, f, "glm", "glm-secret-value-0001", 2)

	view, err := f.admin.Update(ctx, id, pool.UpdateFields{Label: ptr("renamed"), MaxUsers: ptr(0)}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "renamed", view.Label)
	assert.Equal(t, 0, view.MaxUsers)

	_, err = f.admin.Update(ctx, id, pool.UpdateFields{MaxUsers: ptr(-1)}, "admin")
	assert.ErrorIs(t, err, pool.ErrInvalidKey)

	_, err = f.admin.Update(ctx, uuid.New(), pool.UpdateFields{Label: ptr("x")}, "admin")
	assert.ErrorIs(t, err, pool.ErrKeyNotFound)

	events := f.auditor.byAction(audit.ActionUpdatePoolKey)
	require.Len(t, events, 1)
	assert.Equal(t, "renamed", events[0].Details["label"])
}

func TestAdmin_DeleteRejectedWhileInUse(t *testing.T) {
	f, mem := newMemoryFixture(t)
	user := addUsers(mem, 1)[0]
	ctx := context.Background()
	id := createKey(t, f, "glm", "glm-secret-value-0001", 2)

	_, err := assign(f, user, "glm")
	require.NoError(t, err)

	err = f.admin.Delete(ctx, id, "admin")
	assert.ErrorIs(t, err, pool.ErrKeyInUse)
	assert.Equal(t, pool.KindConflict, pool.KindOf(err))

	_, err = release(f, id, user)
	require.NoError(t, err)

	require.NoError(t, f.admin.Delete(ctx, id, "admin"))
	_, err = f.admin.Get(ctx, id)
	assert.ErrorIs(t, err, pool.ErrKeyNotFound)
	assert.Len(t, f.auditor.byAction(audit.ActionDeletePoolKey), 1)

	err = f.admin.Delete(ctx, id, "admin")
	assert.ErrorIs(t, err, pool.ErrKeyNotFound)
}
