package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autogenlabs-dev/backend-services/internal/api/middleware"
	"github.com/autogenlabs-dev/backend-services/internal/api/response"
	"github.com/autogenlabs-dev/backend-services/internal/api/validation"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

type selfAssignRequest struct {
	KeyType string `json:"keyType"`
}

// AssignmentHandler handles the /me/pool-keys endpoints, where the caller
// acts on their own assignments.
type AssignmentHandler struct {
	allocator PoolAllocator
	releaser  PoolReleaser
	keyTypes  []string
}

// NewAssignmentHandler creates a new AssignmentHandler.
func NewAssignmentHandler(allocator PoolAllocator, releaser PoolReleaser, keyTypes []string) *AssignmentHandler {
	return &AssignmentHandler{
		allocator: allocator,
		releaser:  releaser,
		keyTypes:  keyTypes,
	}
}

// Assign handles POST /me/pool-keys. This is the only endpoint that returns
// a raw key value.
func (h *AssignmentHandler) Assign(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key is required", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req selfAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateAssignRequest(validation.AssignRequest{KeyType: req.KeyType}, h.keyTypes)
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	a, err := h.allocator.Assign(r.Context(), pool.AssignRequest{
		UserID:  identity.UserID,
		KeyType: req.KeyType,
		ActorID: identity.UserID.String(),
	})
	if err != nil {
		writePoolError(w, err, requestID, "Failed to assign pool key")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.Success(w, http.StatusCreated, assignmentResponse{
		KeyID:      a.KeyID.String(),
		KeyType:    a.KeyType,
		KeyPreview: a.KeyPreview,
		KeyValue:   a.KeyValue,
	}, requestID)
}

// List handles GET /me/pool-keys.
func (h *AssignmentHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key is required", requestID)
		return
	}

	assignments, err := h.allocator.KeysFor(r.Context(), identity.UserID)
	if err != nil {
		writePoolError(w, err, requestID, "Failed to list pool keys")
		return
	}

	items := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, assignmentResponse{
			KeyID:      a.KeyID.String(),
			KeyType:    a.KeyType,
			KeyPreview: a.KeyPreview,
		})
	}

	response.SuccessList(w, http.StatusOK, items, len(items), requestID)
}

// Release handles DELETE /me/pool-keys/{keyType}.
func (h *AssignmentHandler) Release(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key is required", requestID)
		return
	}

	keyType := chi.URLParam(r, "keyType")
	released, err := h.releaser.ReleaseType(r.Context(), identity.UserID, keyType, identity.UserID.String())
	if err != nil {
		writePoolError(w, err, requestID, "Failed to release pool key")
		return
	}

	response.Success(w, http.StatusOK, releaseResponse{Released: released}, requestID)
}
