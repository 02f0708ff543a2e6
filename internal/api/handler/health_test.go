package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autogenlabs-dev/backend-services/internal/api/handler"
)

type mockDBPinger struct {
	err error
}

func (m *mockDBPinger) Ping(_ context.Context) error {
	return m.err
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pinger     handler.DBPinger
		wantStatus string
		connected  bool
	}{
		{"database reachable", &mockDBPinger{}, "healthy", true},
		{"database unreachable", &mockDBPinger{err: errors.New("connection refused")}, "degraded", false},
		{"no database configured", nil, "degraded", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := handler.NewHealthHandler(tt.pinger, "1.2.3")
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			data := dataObject(t, w)
			assert.Equal(t, tt.wantStatus, data["status"])
			assert.Equal(t, "1.2.3", data["version"])
			db := data["database"].(map[string]interface{})
			assert.Equal(t, tt.connected, db["connected"])
		})
	}
}
