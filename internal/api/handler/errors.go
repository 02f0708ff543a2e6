package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/autogenlabs-dev/backend-services/internal/api/response"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
)

const retryAfter = 5 * time.Second

// writePoolError maps a pool error onto the response envelope. Internal errors
// are logged and answered with an opaque message.
func writePoolError(w http.ResponseWriter, err error, requestID, fallback string) {
	switch pool.KindOf(err) {
	case pool.KindInvalid:
		code := "VALIDATION_ERROR"
		if errors.Is(err, pool.ErrUnknownKeyType) {
			code = "UNKNOWN_KEY_TYPE"
		}
		response.Err(w, http.StatusBadRequest, code, err.Error(), requestID)
	case pool.KindNotFound:
		switch {
		case errors.Is(err, pool.ErrTypeNotFound):
			response.Err(w, http.StatusNotFound, "KEY_TYPE_NOT_FOUND", "No active pool key of this type", requestID)
		case errors.Is(err, pool.ErrUserNotFound):
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "User not found", requestID)
		default:
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "Pool key not found", requestID)
		}
	case pool.KindConflict:
		switch {
		case errors.Is(err, pool.ErrAlreadyAssigned):
			response.Err(w, http.StatusConflict, "ALREADY_ASSIGNED", "User already holds a pool key of this type", requestID)
		case errors.Is(err, pool.ErrKeyInUse):
			response.Err(w, http.StatusConflict, "KEY_IN_USE", "Pool key still has assigned users", requestID)
		default:
			response.Err(w, http.StatusConflict, "CONTENTION", "Pool key assignment was contended, retry", requestID)
		}
	case pool.KindResourceExhausted:
		response.Unavailable(w, "NO_CAPACITY", "No pool key with free capacity", retryAfter, requestID)
	case pool.KindTransient:
		slog.Warn("pool store unavailable", "error", err, "requestId", requestID)
		response.Unavailable(w, "TRANSIENT", "Pool store temporarily unavailable, retry", retryAfter, requestID)
	default:
		slog.Error("pool operation failed", "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback, requestID)
	}
}
