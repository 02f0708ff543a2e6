package pool

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateNew checks a creation request against the record rules. Errors wrap
// ErrInvalidKey or ErrUnknownKeyType.
func ValidateNew(nk NewKey, types KeyTypes) error {
	if !types.Contains(nk.KeyType) {
		return fmt.Errorf("%w: %q", ErrUnknownKeyType, nk.KeyType)
	}
	if strings.TrimSpace(nk.KeyValue) == "" {
		return fmt.Errorf("%w: key value must not be empty", ErrInvalidKey)
	}
	if nk.MaxUsers < 1 {
		return fmt.Errorf("%w: max users must be at least 1", ErrInvalidKey)
	}
	if utf8.RuneCountInString(nk.Label) > MaxLabelLength {
		return fmt.Errorf("%w: label must be at most %d characters", ErrInvalidKey, MaxLabelLength)
	}
	return nil
}

// ValidateUpdate checks a partial update. MaxUsers may drop below the current
// occupancy; existing assignees are kept and the limit applies to new
// allocations only.
func ValidateUpdate(f UpdateFields) error {
	if f.MaxUsers != nil && *f.MaxUsers < 0 {
		return fmt.Errorf("%w: max users must not be negative", ErrInvalidKey)
	}
	if f.Label != nil && utf8.RuneCountInString(*f.Label) > MaxLabelLength {
		return fmt.Errorf("%w: label must be at most %d characters", ErrInvalidKey, MaxLabelLength)
	}
	return nil
}
