package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxLabelLength = 255

// CreatePoolKeyRequest mirrors the fields needed for create pool key validation.
type CreatePoolKeyRequest struct {
	KeyType  string
	KeyValue string
	Label    string
	MaxUsers *int
}

// ValidateCreatePoolKeyRequest validates the shape of a create pool key
// request. Whether KeyType is one of the configured types is checked against
// knownTypes.
func ValidateCreatePoolKeyRequest(req CreatePoolKeyRequest, knownTypes []string) []FieldError {
	var errs []FieldError

	errs = appendKeyTypeErrors(errs, "keyType", req.KeyType, knownTypes)

	if strings.TrimSpace(req.KeyValue) == "" {
		errs = append(errs, FieldError{Field: "keyValue", Message: "keyValue is required"})
	}

	if req.MaxUsers != nil && *req.MaxUsers < 1 {
		errs = append(errs, FieldError{Field: "maxUsers", Message: "maxUsers must be at least 1"})
	}

	if utf8.RuneCountInString(req.Label) > maxLabelLength {
		errs = append(errs, FieldError{Field: "label", Message: fmt.Sprintf("label must be at most %d characters", maxLabelLength)})
	}

	return errs
}

// UpdatePoolKeyRequest mirrors the fields needed for update validation.
// Nil fields are left unchanged.
type UpdatePoolKeyRequest struct {
	Label    *string
	MaxUsers *int
	IsActive *bool
}

// ValidateUpdatePoolKeyRequest validates a partial pool key update.
func ValidateUpdatePoolKeyRequest(req UpdatePoolKeyRequest) []FieldError {
	var errs []FieldError

	if req.Label == nil && req.MaxUsers == nil && req.IsActive == nil {
		errs = append(errs, FieldError{Field: "body", Message: "at least one of label, maxUsers, isActive is required"})
		return errs
	}

	if req.MaxUsers != nil && *req.MaxUsers < 0 {
		errs = append(errs, FieldError{Field: "maxUsers", Message: "maxUsers must not be negative"})
	}

	if req.Label != nil && utf8.RuneCountInString(*req.Label) > maxLabelLength {
		errs = append(errs, FieldError{Field: "label", Message: fmt.Sprintf("label must be at most %d characters", maxLabelLength)})
	}

	return errs
}

// AssignRequest mirrors the fields of an assign request. UserID is only
// present on the admin endpoint.
type AssignRequest struct {
	UserID        string
	KeyType       string
	RequireUserID bool
}

// ValidateAssignRequest validates an assign request.
func ValidateAssignRequest(req AssignRequest, knownTypes []string) []FieldError {
	var errs []FieldError

	if req.RequireUserID {
		if req.UserID == "" {
			errs = append(errs, FieldError{Field: "userId", Message: "userId is required"})
		} else if _, err := uuid.Parse(req.UserID); err != nil {
			errs = append(errs, FieldError{Field: "userId", Message: "userId must be a valid UUID"})
		}
	}

	return appendKeyTypeErrors(errs, "keyType", req.KeyType, knownTypes)
}

func appendKeyTypeErrors(errs []FieldError, field, keyType string, knownTypes []string) []FieldError {
	if keyType == "" {
		return append(errs, FieldError{Field: field, Message: field + " is required"})
	}
	for _, t := range knownTypes {
		if t == keyType {
			return errs
		}
	}
	return append(errs, FieldError{Field: field, Message: fmt.Sprintf("%s must be one of: %s", field, strings.Join(knownTypes, ", "))})
}
