package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/api/response"
	"github.com/autogenlabs-dev/backend-services/internal/api/validation"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

const defaultMaxUsers = 1

// PoolAdmin manages pool key records.
type PoolAdmin interface {
	KeyTypes() []string
	Create(ctx context.Context, nk pool.NewKey, actorID string) (*pool.KeyView, error)
	List(ctx context.Context, filter pool.ListFilter) ([]pool.KeyView, error)
	Get(ctx context.Context, id uuid.UUID) (*pool.KeyView, error)
	Update(ctx context.Context, id uuid.UUID, fields pool.UpdateFields, actorID string) (*pool.KeyView, error)
	Delete(ctx context.Context, id uuid.UUID, actorID string) error
}

// PoolAllocator assigns pool keys to users.
type PoolAllocator interface {
	Assign(ctx context.Context, req pool.AssignRequest) (*pool.Assignment, error)
	KeysFor(ctx context.Context, userID uuid.UUID) ([]pool.Assignment, error)
}

// PoolReleaser takes pool keys back from users.
type PoolReleaser interface {
	Release(ctx context.Context, req pool.ReleaseRequest) (bool, error)
	ReleaseType(ctx context.Context, userID uuid.UUID, keyType, actorID string) (bool, error)
	ReleaseAllForUser(ctx context.Context, userID uuid.UUID, actorID string) (int, error)
}

type createPoolKeyRequest struct {
	KeyType  string `json:"keyType"`
	KeyValue string `json:"keyValue"`
	Label    string `json:"label"`
	MaxUsers *int   `json:"maxUsers"`
	IsActive *bool  `json:"isActive"`
}

type updatePoolKeyRequest struct {
	Label    *string `json:"label"`
	MaxUsers *int    `json:"maxUsers"`
	IsActive *bool   `json:"isActive"`
}

type adminAssignRequest struct {
	UserID  string `json:"userId"`
	KeyType string `json:"keyType"`
}

type poolKeyResponse struct {
	ID         string `json:"id"`
	KeyType    string `json:"keyType"`
	KeyPreview string `json:"keyPreview"`
	Label      string `json:"label"`
	IsActive   bool   `json:"isActive"`
	MaxUsers   int    `json:"maxUsers"`
	Occupancy  int    `json:"occupancy"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type assignmentResponse struct {
	KeyID      string `json:"keyId"`
	KeyType    string `json:"keyType"`
	KeyPreview string `json:"keyPreview"`
	UserID     string `json:"userId,omitempty"`
	KeyValue   string `json:"keyValue,omitempty"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

func toPoolKeyResponse(v *pool.KeyView) poolKeyResponse {
	return poolKeyResponse{
		ID:         v.ID.String(),
		KeyType:    v.KeyType,
		KeyPreview: v.KeyPreview,
		Label:      v.Label,
		IsActive:   v.IsActive,
		MaxUsers:   v.MaxUsers,
		Occupancy:  v.Occupancy,
		CreatedAt:  formatTime(v.CreatedAt),
		UpdatedAt:  formatTime(v.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// actorID identifies the authenticated caller in audit events.
func actorID(r *http.Request) string {
	if identity := middleware.GetIdentity(r.Context()); identity != nil {
		return identity.UserID.String()
	}
	return ""
}

// PoolKeyHandler handles the superuser pool key endpoints.
type PoolKeyHandler struct {
	admin     PoolAdmin
	allocator PoolAllocator
	releaser  PoolReleaser
}

// NewPoolKeyHandler creates a new PoolKeyHandler.
func NewPoolKeyHandler(admin PoolAdmin, allocator PoolAllocator, releaser PoolReleaser) *PoolKeyHandler {
	return &PoolKeyHandler{
		admin:     admin,
		allocator: allocator,
		releaser:  releaser,
	}
}

// Create handles POST /pool-keys.
func (h *PoolKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createPoolKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateCreatePoolKeyRequest(validation.CreatePoolKeyRequest{
		KeyType:  req.KeyType,
		KeyValue: req.KeyValue,
		Label:    req.Label,
		MaxUsers: req.MaxUsers,
	}, h.admin.KeyTypes())
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	maxUsers := defaultMaxUsers
	if req.MaxUsers != nil {
		maxUsers = *req.MaxUsers
	}

	view, err := h.admin.Create(r.Context(), pool.NewKey{
		KeyType:  req.KeyType,
		KeyValue: strings.TrimSpace(req.KeyValue),
		Label:    strings.TrimSpace(req.Label),
		MaxUsers: maxUsers,
		IsActive: req.IsActive,
	}, actorID(r))
	if err != nil {
		writePoolError(w, err, requestID, "Failed to create pool key")
		return
	}

	response.Success(w, http.StatusCreated, toPoolKeyResponse(view), requestID)
}

// List handles GET /pool-keys.
func (h *PoolKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var filter pool.ListFilter
	if v := r.URL.Query().Get("keyType"); v != "" {
		filter.KeyType = &v
	}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			response.Err(w, http.StatusBadRequest, "INVALID_PARAM", "active must be true or false", requestID)
			return
		}
		filter.Active = &active
	}

	views, err := h.admin.List(r.Context(), filter)
	if err != nil {
		writePoolError(w, err, requestID, "Failed to list pool keys")
		return
	}

	items := make([]poolKeyResponse, 0, len(views))
	for i := range views {
		items = append(items, toPoolKeyResponse(&views[i]))
	}

	response.SuccessList(w, http.StatusOK, items, len(items), requestID)
}

// GetByID handles GET /pool-keys/{id}.
func (h *PoolKeyHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseIDParam(w, r, "id", requestID)
	if !ok {
		return
	}

	view, err := h.admin.Get(r.Context(), id)
	if err != nil {
		writePoolError(w, err, requestID, "Failed to get pool key")
		return
	}

	response.Success(w, http.StatusOK, toPoolKeyResponse(view), requestID)
}

// Update handles PATCH /pool-keys/{id}.
func (h *PoolKeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseIDParam(w, r, "id", requestID)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req updatePoolKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateUpdatePoolKeyRequest(validation.UpdatePoolKeyRequest{
		Label:    req.Label,
		MaxUsers: req.MaxUsers,
		IsActive: req.IsActive,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	if req.Label != nil {
		trimmed := strings.TrimSpace(*req.Label)
		req.Label = &trimmed
	}

	view, err := h.admin.Update(r.Context(), id, pool.UpdateFields{
		Label:    req.Label,
		MaxUsers: req.MaxUsers,
		IsActive: req.IsActive,
	}, actorID(r))
	if err != nil {
		writePoolError(w, err, requestID, "Failed to update pool key")
		return
	}

	response.Success(w, http.StatusOK, toPoolKeyResponse(view), requestID)
}

// Delete handles DELETE /pool-keys/{id}. Records with assignees are rejected.
func (h *PoolKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseIDParam(w, r, "id", requestID)
	if !ok {
		return
	}

	if err := h.admin.Delete(r.Context(), id, actorID(r)); err != nil {
		writePoolError(w, err, requestID, "Failed to delete pool key")
		return
	}

	response.NoContent(w)
}

// Assign handles POST /pool-keys/assignments. The raw key value is never
// returned on this endpoint.
func (h *PoolKeyHandler) Assign(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req adminAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateAssignRequest(validation.AssignRequest{
		UserID:        req.UserID,
		KeyType:       req.KeyType,
		RequireUserID: true,
	}, h.admin.KeyTypes())
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	userID, _ := uuid.Parse(req.UserID) // already validated

	a, err := h.allocator.Assign(r.Context(), pool.AssignRequest{
		UserID:  userID,
		KeyType: req.KeyType,
		ActorID: actorID(r),
	})
	if err != nil {
		writePoolError(w, err, requestID, "Failed to assign pool key")
		return
	}

	response.Success(w, http.StatusCreated, assignmentResponse{
		KeyID:      a.KeyID.String(),
		KeyType:    a.KeyType,
		KeyPreview: a.KeyPreview,
		UserID:     userID.String(),
	}, requestID)
}

// Release handles DELETE /pool-keys/{id}/assignments/{userId}.
func (h *PoolKeyHandler) Release(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	keyID, ok := parseIDParam(w, r, "id", requestID)
	if !ok {
		return
	}
	userID, ok := parseIDParam(w, r, "userId", requestID)
	if !ok {
		return
	}

	released, err := h.releaser.Release(r.Context(), pool.ReleaseRequest{
		KeyID:   keyID,
		UserID:  userID,
		ActorID: actorID(r),
	})
	if err != nil {
		writePoolError(w, err, requestID, "Failed to release pool key")
		return
	}

	response.Success(w, http.StatusOK, releaseResponse{Released: released}, requestID)
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name, requestID string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_ID", name+" must be a valid UUID", requestID)
		return uuid.Nil, false
	}
	return id, true
}
