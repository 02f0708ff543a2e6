package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/api/response"
	"github.com/autogenlabs-dev/backend-services/internal/api/validation"
	"github.com/autogenlabs-dev/backend-services/internal/auth"
)

type createUserRequest struct {
	Name string `json:"name"`
}

type userResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ApiKeyPrefix string  `json:"apiKeyPrefix"`
	IsSuperuser  bool    `json:"isSuperuser"`
	CreatedAt    string  `json:"createdAt"`
	RevokedAt    *string `json:"revokedAt,omitempty"`
}

type userWithKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ApiKey    string `json:"apiKey"`
	CreatedAt string `json:"createdAt"`
}

// UserHandler handles user CRUD endpoints.
type UserHandler struct {
	authService *auth.Service
	userRepo    auth.UserRepository
	releaser    PoolReleaser
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(authService *auth.Service, userRepo auth.UserRepository, releaser PoolReleaser) *UserHandler {
	return &UserHandler{
		authService: authService,
		userRepo:    userRepo,
		releaser:    releaser,
	}
}

// Create handles POST /users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateCreateUserRequest(validation.CreateUserRequest{Name: req.Name})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	rawKey, prefix, hash, err := h.authService.GenerateKey()
	if err != nil {
		slog.Error("failed to generate API key", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user", requestID)
		return
	}

	u := &auth.User{
		Name:         strings.TrimSpace(req.Name),
		ApiKeyPrefix: prefix,
		ApiKeyHash:   hash,
	}

	if err := h.userRepo.Create(r.Context(), u); err != nil {
		slog.Error("failed to create user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user", requestID)
		return
	}

	response.Success(w, http.StatusCreated, userWithKeyResponse{
		ID:        u.ID.String(),
		Name:      u.Name,
		ApiKey:    rawKey,
		CreatedAt: formatTime(u.CreatedAt),
	}, requestID)
}

// List handles GET /users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	users, err := h.userRepo.List(r.Context())
	if err != nil {
		slog.Error("failed to list users", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list users", requestID)
		return
	}

	items := make([]userResponse, 0, len(users))
	for i := range users {
		u := &users[i]
		resp := userResponse{
			ID:           u.ID.String(),
			Name:         u.Name,
			ApiKeyPrefix: u.ApiKeyPrefix,
			IsSuperuser:  u.IsSuperuser,
			CreatedAt:    formatTime(u.CreatedAt),
		}
		if u.RevokedAt != nil {
			revoked := formatTime(*u.RevokedAt)
			resp.RevokedAt = &revoked
		}
		items = append(items, resp)
	}

	response.SuccessList(w, http.StatusOK, items, len(items), requestID)
}

// Delete handles DELETE /users/{id}. The user is soft-revoked first so no new
// assignment can land, then every pool key they hold is released.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseIDParam(w, r, "id", requestID)
	if !ok {
		return
	}

	u, err := h.userRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "User not found", requestID)
			return
		}
		slog.Error("failed to get user", "error", err, "id", id)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke user", requestID)
		return
	}

	if u.IsSuperuser {
		response.Err(w, http.StatusForbidden, "FORBIDDEN", "Cannot revoke the superuser", requestID)
		return
	}

	// Already revoked is not an error; release still runs.
	if err := h.userRepo.Revoke(r.Context(), id); err != nil && !errors.Is(err, auth.ErrUserRevoked) {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "User not found", requestID)
			return
		}
		slog.Error("failed to revoke user", "error", err, "id", id)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke user", requestID)
		return
	}

	released, err := h.releaser.ReleaseAllForUser(r.Context(), id, actorID(r))
	if err != nil {
		slog.Error("failed to release pool keys of revoked user", "error", err, "id", id, "released", released)
		writePoolError(w, err, requestID, "Failed to release pool keys of revoked user")
		return
	}
	if released > 0 {
		slog.Info("released pool keys of revoked user", "id", id, "released", released)
	}

	response.NoContent(w)
}
