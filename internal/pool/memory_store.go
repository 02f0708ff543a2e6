package pool

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Store       = (*MemoryStore)(nil)
	_ MirrorStore = (*MemoryStore)(nil)
)

// MemoryStore is a single-process Store and MirrorStore. Every operation
// holds one mutex, which gives it the same atomicity as the SQL stores'
// conditional updates.
type MemoryStore struct {
	mu      sync.Mutex
	keys    map[uuid.UUID]*Key
	mirrors map[uuid.UUID]map[string]string
	revoked map[uuid.UUID]bool
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[uuid.UUID]*Key),
		mirrors: make(map[uuid.UUID]map[string]string),
		revoked: make(map[uuid.UUID]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddUser registers a user with an empty mirror.
func (s *MemoryStore) AddUser(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mirrors[userID]; !ok {
		s.mirrors[userID] = map[string]string{}
	}
}

// RevokeUser marks a user revoked. Its mirror stays readable by ListMirrors
// and clearable by ClearMirror.
func (s *MemoryStore) RevokeUser(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = true
}

func cloneKey(k *Key) *Key {
	c := *k
	c.AssignedUserIDs = slices.Clone(k.AssignedUserIDs)
	if c.AssignedUserIDs == nil {
		c.AssignedUserIDs = []uuid.UUID{}
	}
	return &c
}

// Create inserts a new record, assigning its ID and timestamps.
func (s *MemoryStore) Create(_ context.Context, k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k.ID = uuid.New()
	k.CreatedAt = s.now()
	k.UpdatedAt = k.CreatedAt
	k.AssignedUserIDs = []uuid.UUID{}
	s.keys[k.ID] = cloneKey(k)
	return nil
}

// GetByID retrieves a single record.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneKey(k), nil
}

// List returns the records matching filter ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []Key{}
	for _, k := range s.keys {
		if filter.KeyType != nil && k.KeyType != *filter.KeyType {
			continue
		}
		if filter.Active != nil && k.IsActive != *filter.Active {
			continue
		}
		keys = append(keys, *cloneKey(k))
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return keys, nil
}

// Candidates returns allocatable records for userID.
func (s *MemoryStore) Candidates(_ context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []Key{}
	for _, k := range s.keys {
		if k.KeyType != keyType || !k.IsActive || k.Free() == 0 || k.HasAssignee(userID) || slices.Contains(exclude, k.ID) {
			continue
		}
		keys = append(keys, *cloneKey(k))
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(
			cmp.Compare(b.Free(), a.Free()),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID.String(), b.ID.String()),
		)
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// CountActive returns the number of active records of keyType.
func (s *MemoryStore) CountActive(_ context.Context, keyType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.keys {
		if k.KeyType == keyType && k.IsActive {
			n++
		}
	}
	return n, nil
}

// Reserve adds userID to the record's assignees.
func (s *MemoryStore) Reserve(_ context.Context, id, userID uuid.UUID) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !k.IsActive || k.Free() == 0 || s.holdsTypeLocked(userID, k.KeyType) {
		return nil, ErrReservationConflict
	}
	k.AssignedUserIDs = append(k.AssignedUserIDs, userID)
	k.UpdatedAt = s.now()
	return cloneKey(k), nil
}

func (s *MemoryStore) holdsTypeLocked(userID uuid.UUID, keyType string) bool {
	for _, k := range s.keys {
		if k.KeyType == keyType && k.HasAssignee(userID) {
			return true
		}
	}
	return false
}

// Unreserve removes userID from the record's assignees.
func (s *MemoryStore) Unreserve(_ context.Context, id, userID uuid.UUID) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !k.HasAssignee(userID) {
		return nil, nil
	}
	k.AssignedUserIDs = slices.DeleteFunc(k.AssignedUserIDs, func(u uuid.UUID) bool { return u == userID })
	k.UpdatedAt = s.now()
	return cloneKey(k), nil
}

// Update modifies non-nil fields on a record.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fields UpdateFields) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if fields.IsEmpty() {
		return cloneKey(k), nil
	}
	if fields.Label != nil {
		k.Label = *fields.Label
	}
	if fields.MaxUsers != nil {
		k.MaxUsers = *fields.MaxUsers
	}
	if fields.IsActive != nil {
		k.IsActive = *fields.IsActive
	}
	k.UpdatedAt = s.now()
	return cloneKey(k), nil
}

// Delete removes a record with no assignees.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if k.Occupancy() > 0 {
		return ErrKeyInUse
	}
	delete(s.keys, id)
	return nil
}

// FindByAssignee returns every record userID holds.
func (s *MemoryStore) FindByAssignee(_ context.Context, userID uuid.UUID) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []Key{}
	for _, k := range s.keys {
		if k.HasAssignee(userID) {
			keys = append(keys, *cloneKey(k))
		}
	}
	slices.SortFunc(keys, func(a, b Key) int { return cmp.Compare(a.KeyType, b.KeyType) })
	return keys, nil
}

// GetMirror returns the held keys of an active user.
func (s *MemoryStore) GetMirror(_ context.Context, userID uuid.UUID) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mirrors[userID]
	if !ok || s.revoked[userID] {
		return nil, ErrUserNotFound
	}
	return maps.Clone(m), nil
}

// SetMirror records value for keyType unless another value is present.
func (s *MemoryStore) SetMirror(_ context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mirrors[userID]
	if !ok || s.revoked[userID] {
		return false, ErrUserNotFound
	}
	if cur, held := m[keyType]; held && cur != value {
		return false, nil
	}
	m[keyType] = value
	return true, nil
}

// ClearMirror removes keyType if it maps to value.
func (s *MemoryStore) ClearMirror(_ context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mirrors[userID]
	if !ok || m[keyType] != value {
		return false, nil
	}
	delete(m, keyType)
	return true, nil
}

// ListMirrors returns every user with at least one held key.
func (s *MemoryStore) ListMirrors(_ context.Context) ([]UserMirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mirrors := []UserMirror{}
	for id, m := range s.mirrors {
		if len(m) == 0 {
			continue
		}
		mirrors = append(mirrors, UserMirror{UserID: id, Keys: maps.Clone(m)})
	}
	slices.SortFunc(mirrors, func(a, b UserMirror) int { return cmp.Compare(a.UserID.String(), b.UserID.String()) })
	return mirrors, nil
}
