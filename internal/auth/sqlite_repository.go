package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autogenlabs-dev/backend-services/internal/database"
)

var _ UserRepository = (*SQLiteRepository)(nil)

// SQLiteRepository implements UserRepository on the embedded SQLite store.
type SQLiteRepository struct {
	db *database.SQLite
}

// NewSQLiteRepository creates a new UserRepository backed by SQLite.
func NewSQLiteRepository(db *database.SQLite) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new user record, assigning its ID and creation time.
func (r *SQLiteRepository) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	u.CreatedAt = time.Now().UTC()

	const query = `
		INSERT INTO users (id, name, is_superuser, api_key_prefix, api_key_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.Writer.ExecContext(ctx, query,
		u.ID.String(), u.Name, u.IsSuperuser, u.ApiKeyPrefix, u.ApiKeyHash,
		database.FormatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetByID retrieves a single user by its UUID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	u, err := scanSQLiteUser(r.db.Reader.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// FindByPrefix returns active (non-revoked) users matching the given API key prefix.
func (r *SQLiteRepository) FindByPrefix(ctx context.Context, prefix string) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE api_key_prefix = ? AND revoked_at IS NULL`

	rows, err := r.db.Reader.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("finding users by prefix: %w", err)
	}
	return collectSQLiteUsers(rows)
}

// List retrieves all users ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return collectSQLiteUsers(rows)
}

// Revoke sets revoked_at on a user.
func (r *SQLiteRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE users SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`

	result, err := r.db.Writer.ExecContext(ctx, query, database.FormatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("revoking user: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking user: %w", err)
	}
	if n == 0 {
		var exists bool
		err := r.db.Writer.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id.String()).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking user existence: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrUserRevoked
	}
	return nil
}

// CountAll returns the total number of users in the table (including revoked).
func (r *SQLiteRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := r.db.Reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var (
		u         User
		id        string
		createdAt string
		revokedAt sql.NullString
	)
	err := row.Scan(&id, &u.Name, &u.IsSuperuser, &u.ApiKeyPrefix, &u.ApiKeyHash, &createdAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	if u.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing user id: %w", err)
	}
	if u.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := database.ParseTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		u.RevokedAt = &t
	}
	return &u, nil
}

func collectSQLiteUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}
