package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ Store       = (*PostgresRepository)(nil)
	_ MirrorStore = (*PostgresRepository)(nil)
)

// PostgresRepository implements Store and MirrorStore using pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// keyColumns is the ordered list of columns scanned from the pool_keys table.
const keyColumns = `id, key_type, key_value, label, is_active, max_users,
	assigned_user_ids, created_at, updated_at`

// scanKey scans a single Key from a row.
func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	err := row.Scan(
		&k.ID, &k.KeyType, &k.KeyValue, &k.Label, &k.IsActive, &k.MaxUsers,
		&k.AssignedUserIDs, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("scanning pool key row: %w", err)
	}
	if k.AssignedUserIDs == nil {
		k.AssignedUserIDs = []uuid.UUID{}
	}
	return &k, nil
}

func collectKeys(rows pgx.Rows) ([]Key, error) {
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		k, err := scanKey(rows)
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

// Create inserts a new pool key record.
func (r *PostgresRepository) Create(ctx context.Context, k *Key) error {
	query := `
		INSERT INTO pool_keys (key_type, key_value, label, is_active, max_users)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		k.KeyType, k.KeyValue, k.Label, k.IsActive, k.MaxUsers,
	).Scan(&k.ID, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting pool key: %w", err)
	}
	k.AssignedUserIDs = []uuid.UUID{}
	return nil
}

// GetByID retrieves a single pool key by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Key, error) {
	query := `SELECT ` + keyColumns + ` FROM pool_keys WHERE id = $1`
	return scanKey(r.pool.QueryRow(ctx, query, id))
}

// List retrieves pool keys matching filter ordered by creation time.
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]Key, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.KeyType != nil {
		conditions = append(conditions, fmt.Sprintf("key_type = $%d", argIdx))
		args = append(args, *filter.KeyType)
		argIdx++
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *filter.Active)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM pool_keys %s ORDER BY created_at ASC, id ASC`, keyColumns, where)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pool keys: %w", err)
	}
	return collectKeys(rows)
}

// Candidates returns allocatable pool keys for userID.
func (r *PostgresRepository) Candidates(ctx context.Context, keyType string, userID uuid.UUID, exclude []uuid.UUID, limit int) ([]Key, error) {
	if exclude == nil {
		exclude = []uuid.UUID{}
	}

	query := `
		SELECT ` + keyColumns + ` FROM pool_keys
		WHERE key_type = $1
		  AND is_active
		  AND cardinality(assigned_user_ids) < max_users
		  AND NOT ($2 = ANY(assigned_user_ids))
		  AND NOT (id = ANY($3))
		ORDER BY (max_users - cardinality(assigned_user_ids)) DESC, created_at ASC, id ASC
		LIMIT $4`

	rows, err := r.pool.Query(ctx, query, keyType, userID, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pool key candidates: %w", err)
	}
	return collectKeys(rows)
}

// CountActive returns the number of active pool keys of keyType.
func (r *PostgresRepository) CountActive(ctx context.Context, keyType string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pool_keys WHERE key_type = $1 AND is_active`, keyType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active pool keys: %w", err)
	}
	return count, nil
}

// Reserve appends userID to the assignee array in one conditional UPDATE.
func (r *PostgresRepository) Reserve(ctx context.Context, id, userID uuid.UUID) (*Key, error) {
	query := `
		UPDATE pool_keys
		SET assigned_user_ids = array_append(assigned_user_ids, $2), updated_at = NOW()
		WHERE id = $1
		  AND is_active
		  AND cardinality(assigned_user_ids) < max_users
		  AND NOT EXISTS (
		      SELECT 1 FROM pool_keys held
		      WHERE held.key_type = pool_keys.key_type AND $2 = ANY(held.assigned_user_ids)
		  )
		RETURNING ` + keyColumns

	k, err := scanKey(r.pool.QueryRow(ctx, query, id, userID))
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
func (r *PostgresRepository) Unreserve(ctx context.Context, id, userID uuid.UUID) (*Key, error) {
	query := `
		UPDATE pool_keys
		SET assigned_user_ids = array_remove(assigned_user_ids, $2), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(assigned_user_ids)
		RETURNING ` + keyColumns

	k, err := scanKey(r.pool.QueryRow(ctx, query, id, userID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, r.ensureExists(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("unreserving pool key: %w", err)
	}
	return k, nil
}

func (r *PostgresRepository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pool_keys WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking pool key existence: %w", err)
	}
	if !exists {
		return ErrKeyNotFound
	}
	return nil
}

// Update modifies non-nil fields on a pool key. Returns the updated record.
func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, fields UpdateFields) (*Key, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if fields.Label != nil {
		setClauses = append(setClauses, fmt.Sprintf("label = $%d", argIdx))
		args = append(args, *fields.Label)
		argIdx++
	}
	if fields.MaxUsers != nil {
		setClauses = append(setClauses, fmt.Sprintf("max_users = $%d", argIdx))
		args = append(args, *fields.MaxUsers)
		argIdx++
	}
	if fields.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *fields.IsActive)
		argIdx++
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE pool_keys
		SET %s
		WHERE id = $%d
		RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, keyColumns)

	k, err := scanKey(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("updating pool key: %w", err)
	}
	return k, nil
}

// Delete removes a pool key that has no assignees.
func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM pool_keys WHERE id = $1 AND cardinality(assigned_user_ids) = 0`, id,
	)
	if err != nil {
		return fmt.Errorf("deleting pool key: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	if err := r.ensureExists(ctx, id); err != nil {
		return err
	}
	return ErrKeyInUse
}

// FindByAssignee returns every pool key held by userID.
func (r *PostgresRepository) FindByAssignee(ctx context.Context, userID uuid.UUID) ([]Key, error) {
	query := `SELECT ` + keyColumns + ` FROM pool_keys WHERE $1 = ANY(assigned_user_ids) ORDER BY key_type ASC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("finding pool keys by assignee: %w", err)
	}
	return collectKeys(rows)
}

// GetMirror returns the held keys of an active user.
func (r *PostgresRepository) GetMirror(ctx context.Context, userID uuid.UUID) (map[string]string, error) {
	var keys map[string]string
	err := r.pool.QueryRow(ctx,
		`SELECT pool_keys FROM users WHERE id = $1 AND revoked_at IS NULL`, userID,
	).Scan(&keys)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("reading user pool keys: %w", err)
	}
	if keys == nil {
		keys = map[string]string{}
	}
	return keys, nil
}

// SetMirror sets users.pool_keys[keyType] unless it holds a different value.
func (r *PostgresRepository) SetMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	query := `
		UPDATE users
		SET pool_keys = jsonb_set(pool_keys, ARRAY[$2::text], to_jsonb($3::text))
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND (pool_keys->>$2::text IS NULL OR pool_keys->>$2::text = $3::text)`

	result, err := r.pool.Exec(ctx, query, userID, keyType, value)
	if err != nil {
		return false, fmt.Errorf("setting user pool key: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var active bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND revoked_at IS NULL)`, userID,
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
func (r *PostgresRepository) ClearMirror(ctx context.Context, userID uuid.UUID, keyType, value string) (bool, error) {
	query := `
		UPDATE users
		SET pool_keys = pool_keys - $2::text
		WHERE id = $1 AND pool_keys->>$2::text = $3::text`

	result, err := r.pool.Exec(ctx, query, userID, keyType, value)
	if err != nil {
		return false, fmt.Errorf("clearing user pool key: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListMirrors returns every user with at least one held key.
func (r *PostgresRepository) ListMirrors(ctx context.Context) ([]UserMirror, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, pool_keys FROM users WHERE pool_keys <> '{}'::jsonb ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user pool keys: %w", err)
	}
	defer rows.Close()

	mirrors := []UserMirror{}
	for rows.Next() {
		var m UserMirror
		if err := rows.Scan(&m.UserID, &m.Keys); err != nil {
			return nil, fmt.Errorf("scanning user pool keys: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user pool keys: %w", err)
	}
	return mirrors, nil
}
