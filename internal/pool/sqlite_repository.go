package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/database"
)

var (
	_ Store       = (*SQLiteRepository)(nil)
	_ MirrorStore = (*SQLiteRepository)(nil)
)

// SQLiteRepository implements Store and MirrorStore on the embedded SQLite
// store. Assignee sets and user mirrors are JSON text columns updated with
// SQLite's JSON functions inside a single statement.
type SQLiteRepository struct {
	db *database.SQLite
}

// NewSQLiteRepository creates a new repository backed by SQLite.
func NewSQLiteRepository(db *database.SQLite) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteKey(row rowScanner) (*Key, error) {
	var (
		k                    Key
		id, assigned         string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&id, &k.KeyType, &k.KeyValue, &k.Label, &k.IsActive, &k.MaxUsers,
		&assigned, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("scanning pool key row: %w", err)
	}

	if k.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing pool key id: %w", err)
	}
	k.AssignedUserIDs = []uuid.UUID{}
	if err := json.Unmarshal([]byte(assigned), &k.AssignedUserIDs); err != nil {
		return nil, fmt.Errorf("decoding assigned user ids: %w", err)
	}
	if k.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if k.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func collectSQLiteKeys(rows *sql.Rows) ([]Key, error) {
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		k, err := scanSQLiteKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pool key rows: %w", err)
	}
	return keys, nil
}

func sqliteNow() string {
	return database.FormatTime(time.Now())
}

// idList encodes ids as a JSON array for use with json_each.
func idList(ids []uuid.UUID) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// mirrorPath returns the JSON path addressing keyType in users.pool_keys.
func mirrorPath(keyType string) string {
	return `$."` + strings.ReplaceAll(keyType, `"`, `\"`) + `"`
}

// Create inserts a new pool key record, assigning its ID and timestamps.
func (r *SQLiteRepository) Create(ctx context.Context, k *Key) error {
	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()
	k.UpdatedAt = k.CreatedAt
	k.AssignedUserIDs = []uuid.UUID{}

	const query = `
		INSERT INTO pool_keys (id, key_type, key_value, label, is_active, max_users, assigned_user_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?)`

	ts := database.FormatTime(k.CreatedAt)
	_, err := r.db.Writer.ExecContext(ctx, query,
		k.ID.String(), k.KeyType, k.KeyValue, k.Label, k.IsActive, k.MaxUsers, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting pool key: %w", err)
	}
	return nil
}

// GetByID retrieves a single pool key by its UUID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*Key, error) {
	query := `SELECT ` + keyColumns + ` FROM pool_keys WHERE id = ?`
	return scanSQLiteKey(r.db.Reader.QueryRowContext(ctx, query, id.String()))
}

// List retrieves pool keys matching filter ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]Key, error) {
	var conditions []string
	var args []any

	if filter.KeyType != nil {
		conditions = append(conditions, "key_type = ?")
		args = append(args, *filter.KeyType)
	}
	if filter.Active != nil {
		conditions = append(conditions, "is_active = ?")
		args = append(args, *filter.Active)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM pool_keys %s ORDER BY created_at ASC, id ASC`, keyColumns, where)

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pool keys: %w", err)
	}
	return collectSQLiteKeys(rows)
}

// Candidates returns allocatable pool keys for userID.
func (r *SQLiteRepository) Candidates(ctx context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]Key, error) {
	query := `
		SELECT ` + keyColumns + ` FROM pool_keys
		WHERE key_type = ?
		  AND is_active = 1
		  AND json_array_length(assigned_user_ids) < max_users
		  AND NOT EXISTS (SELECT 1 FROM json_each(pool_keys.assigned_user_ids) WHERE value = ?)
		  AND id NOT IN (SELECT value FROM json_each(?))
		ORDER BY (max_users - json_array_length(assigned_user_ids)) DESC, created_at ASC, id ASC
		LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, keyType, userID.String(), idList(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pool key candidates: %w", err)
	}
	return collectSQLiteKeys(rows)
}

// CountActive returns the number of active pool keys of keyType.
func (r *SQLiteRepository) CountActive(ctx context.Context, keyType string) (int, error) {
	var count int
	err := r.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pool_keys WHERE key_type = ? AND is_active = 1`, keyType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active pool keys: %w", err)
	}
	return count, nil
}

// Reserve appends userID to the assignee array in one conditional UPDATE.
func (r *SQLiteRepository) Reserve(ctx context.Context, id, userID uuid.UUID) (*Key, error) {
	query := `
		UPDATE pool_keys
		SET assigned_user_ids = json_insert(assigned_user_ids, '$[#]', ?), updated_at = ?
		WHERE id = ?
		  AND is_active = 1
		  AND json_array_length(assigned_user_ids) < max_users
		  AND NOT EXISTS (
		      SELECT 1 FROM pool_keys held, json_each(held.assigned_user_ids) m
		      WHERE held.key_type = pool_keys.key_type AND m.value = ?
		  )
		RETURNING ` + keyColumns

	uid := userID.String()
	k, err := scanSQLiteKey(r.db.Writer.QueryRowContext(ctx, query, uid, sqliteNow(), id.String(), uid))
	if errors.Is(err, ErrKeyNotFound) {
		if err := r.ensureExists(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrReservationConflict
	}
	if err != nil {
		return nil, fmt.Errorf("reserving pool key: %w", err)
	}
	return k, nil
}

// Unreserve removes userID from the assignee array in one conditional UPDATE.
func (r *SQLiteRepository) Unreserve(ctx context.Context, id, userID uuid.UUID) (*Key, error) {
	query := `
		UPDATE pool_keys
		SET assigned_user_ids = (
		        SELECT json_group_array(value) FROM json_each(pool_keys.assigned_user_ids) WHERE value <> ?
		    ),
		    updated_at = ?
		WHERE id = ?
		  AND EXISTS (SELECT 1 FROM json_each(pool_keys.assigned_user_ids) WHERE value = ?)
		RETURNING ` + keyColumns

	uid := userID.String()
	k, err := scanSQLiteKey(r.db.Writer.QueryRowContext(ctx, query, uid, sqliteNow(), id.String(), uid))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, r.ensureExists(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("unreserving pool key: %w", err)
	}
	return k, nil
}

func (r *SQLiteRepository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.Writer.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pool_keys WHERE id = ?)`, id.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking pool key existence: %w", err)
	}
	if !exists {
		return ErrKeyNotFound
	}
	return nil
}

// Update modifies non-nil fields on a pool key. Returns the updated record.
func (r *SQLiteRepository) Update(ctx context.Context, id uuid.UUID, fields UpdateFields) (*Key, error) {
	var setClauses []string
	var args []any

	if fields.Label != nil {
		setClauses = append(setClauses, "label = ?")
		args = append(args, *fields.Label)
	}
	if fields.MaxUsers != nil {
		setClauses = append(setClauses, "max_users = ?")
		args = append(args, *fields.MaxUsers)
	}
	if fields.IsActive != nil {
		setClauses = append(setClauses, "is_active = ?")
		args = append(args, *fields.IsActive)
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, sqliteNow(), id.String())

	query := fmt.Sprintf(`UPDATE pool_keys SET %s WHERE id = ? RETURNING %s`,
		strings.Join(setClauses, ", "), keyColumns)

	k, err := scanSQLiteKey(r.db.Writer.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("updating pool key: %w", err)
	}
	return k, nil
}

// Delete removes a pool key that has no assignees.
func (r *SQLiteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Writer.ExecContext(ctx,
		`DELETE FROM pool_keys WHERE id = ? AND json_array_length(assigned_user_ids) = 0`, id.String(),
	)
	if err != nil {
		return fmt.Errorf("deleting pool key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := r.ensureExists(ctx, id); err != nil {
		return err
	}
	return ErrKeyInUse
}

// FindByAssignee returns every pool key held by userID.
func (r *SQLiteRepository) FindByAssignee(ctx context.Context, userID uuid.UUID) ([]Key, error) {
	query := `
		SELECT ` + keyColumns + ` FROM pool_keys
		WHERE EXISTS (SELECT 1 FROM json_each(pool_keys.assigned_user_ids) WHERE value = ?)
		ORDER BY key_type ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, fmt.Errorf("finding pool keys by assignee: %w", err)
	}
	return collectSQLiteKeys(rows)
}

// GetMirror returns the held keys of an active user.
func (r *SQLiteRepository) GetMirror(ctx context.Context, userID uuid.UUID) (map[string]string, error) {
	var raw string
	err := r.db.Reader.QueryRowContext(ctx,
		`SELECT pool_keys FROM users WHERE id = ? AND revoked_at IS NULL`, userID.String(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("reading user pool keys: %w", err)
	}
	return decodeMirror(raw)
}

func decodeMirror(raw string) (map[string]string, error) {
	keys := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding user pool keys: %w", err)
	}
	return keys, nil
}

// SetMirror sets users.pool_keys[keyType] unless it holds a different value.
func (r *SQLiteRepository) SetMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	query := `
		UPDATE users
		SET pool_keys = json_set(pool_keys, ?, ?)
		WHERE id = ?
		  AND revoked_at IS NULL
		  AND (json_extract(pool_keys, ?) IS NULL OR json_extract(pool_keys, ?) = ?)`

	path := mirrorPath(keyType)
	result, err := r.db.Writer.ExecContext(ctx, query, path, value, userID.String(), path, path, value)
	if err != nil {
		return false, fmt.Errorf("setting user pool key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var active bool
	err = r.db.Writer.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = ? AND revoked_at IS NULL)`, userID.String(),
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("checking user existence: %w", err)
	}
	if !active {
		return false, ErrUserNotFound
	}
	return false, nil
}

// ClearMirror removes users.pool_keys[keyType] if it still equals value.
func (r *SQLiteRepository) ClearMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	query := `
		UPDATE users
		SET pool_keys = json_remove(pool_keys, ?)
		WHERE id = ? AND json_extract(pool_keys, ?) = ?`

	path := mirrorPath(keyType)
	result, err := r.db.Writer.ExecContext(ctx, query, path, userID.String(), path, value)
	if err != nil {
		return false, fmt.Errorf("clearing user pool key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ListMirrors returns every user with at least one held key.
func (r *SQLiteRepository) ListMirrors(ctx context.Context) ([]UserMirror, error) {
	rows, err := r.db.Reader.QueryContext(ctx,
		`SELECT id, pool_keys FROM users WHERE pool_keys <> '{}' ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user pool keys: %w", err)
	}
	defer rows.Close()

	mirrors := []UserMirror{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning user pool keys: %w", err)
		}
		keys, err := decodeMirror(raw)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			continue
		}
		userID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing user id: %w", err)
		}
		mirrors = append(mirrors, UserMirror{UserID: userID, Keys: keys})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user pool keys: %w", err)
	}
	return mirrors, nil
}
