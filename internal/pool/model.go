package pool

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultPreviewLength is the number of leading characters shown in a key preview.
const DefaultPreviewLength = 8

// MaxLabelLength bounds the free-text label on a credential record.
const MaxLabelLength = 255

// Key represents a row in the pool_keys table: one upstream credential that
// can be shared by up to MaxUsers users at the same time.
type Key struct {
	ID              uuid.UUID
	KeyType         string
	KeyValue        string
	Label           string
	IsActive        bool
	MaxUsers        int
	AssignedUserIDs []uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Occupancy returns the number of users currently holding the key.
func (k *Key) Occupancy() int {
	return len(k.AssignedUserIDs)
}

// Free returns the number of open slots. It is zero when the key is full or
// when MaxUsers was lowered below the current occupancy.
func (k *Key) Free() int {
	return max(0, k.MaxUsers-k.Occupancy())
}

// HasAssignee reports whether userID currently holds the key.
func (k *Key) HasAssignee(userID uuid.UUID) bool {
	return slices.Contains(k.AssignedUserIDs, userID)
}

// Preview returns the display-safe prefix of the key value.
func (k *Key) Preview(n int) string {
	return KeyPreview(k.KeyValue, n)
}

// View returns the admin projection of the record, which never carries the
// key value.
func (k *Key) View(previewLength int) KeyView {
	return KeyView{
		ID:         k.ID,
		KeyType:    k.KeyType,
		KeyPreview: k.Preview(previewLength),
		Label:      k.Label,
		IsActive:   k.IsActive,
		MaxUsers:   k.MaxUsers,
		Occupancy:  k.Occupancy(),
		CreatedAt:  k.CreatedAt,
		UpdatedAt:  k.UpdatedAt,
	}
}

// KeyView is what listings and admin reads expose.
type KeyView struct {
	ID         uuid.UUID
	KeyType    string
	KeyPreview string
	Label      string
	IsActive   bool
	MaxUsers   int
	Occupancy  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// KeyPreview returns the first n characters of value followed by "...".
// At most half of the value is ever revealed, so short values get a shorter
// preview.
func KeyPreview(value string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLength
	}
	runes := []rune(value)
	n = min(n, len(runes)/2)
	return string(runes[:n]) + "..."
}

// NewKey holds the fields accepted when creating a credential record.
type NewKey struct {
	KeyType  string
	KeyValue string
	Label    string
	MaxUsers int
	// IsActive defaults to true when nil.
	IsActive *bool
}

// UpdateFields holds optional fields for a partial update.
// Nil fields are not updated.
type UpdateFields struct {
	Label    *string
	MaxUsers *int
	IsActive *bool
}

// IsEmpty reports whether no field is set.
func (f UpdateFields) IsEmpty() bool {
	return f.Label == nil && f.MaxUsers == nil && f.IsActive == nil
}

// ListFilter narrows a listing. Nil fields match everything.
type ListFilter struct {
	KeyType *string
	Active  *bool
}

// Assignment is the result of a successful assign. KeyValue is only ever
// serialized back to the user who now holds the key.
type Assignment struct {
	KeyID      uuid.UUID
	KeyType    string
	KeyPreview string
	KeyValue   string
}

// UserMirror is the per-user record of held keys: key type to key value.
type UserMirror struct {
	UserID uuid.UUID
	Keys   map[string]string
}

// KeyTypes is the closed set of provider categories the pool accepts.
type KeyTypes struct {
	names []string
}

// NewKeyTypes builds the set from names, dropping duplicates and empties
// while keeping the first-seen order.
func NewKeyTypes(names ...string) KeyTypes {
	var kt KeyTypes
	for _, n := range names {
		if n == "" || slices.Contains(kt.names, n) {
			continue
		}
		kt.names = append(kt.names, n)
	}
	return kt
}

// Contains reports whether keyType belongs to the set.
func (kt KeyTypes) Contains(keyType string) bool {
	return slices.Contains(kt.names, keyType)
}

// Names returns the members in configuration order.
func (kt KeyTypes) Names() []string {
	return slices.Clone(kt.names)
}
