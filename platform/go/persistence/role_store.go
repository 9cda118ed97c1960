package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const UserRolesTable = "user_roles"

// RoleAssignment represents a row in the user_roles table.
type RoleAssignment struct {
	UserID    string    `db:"user_id" json:"userId"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

var (
	// ErrRoleNotFound indicates no assignment exists for the subject.
	ErrRoleNotFound = errors.New("role assignment not found")
	// ErrRoleConflict indicates the subject already holds the role.
	ErrRoleConflict = errors.New("role assignment conflict")
	// ErrRoleSubjectMissing indicates the subject has no profile row.
	ErrRoleSubjectMissing = errors.New("role subject missing")
)

// RoleStore exposes persistence helpers for the user_roles table.
type RoleStore struct {
	pool *pgxpool.Pool
}

// NewRoleStore returns a store instance; assumes migrations already created the table.
func NewRoleStore(ctx context.Context, pool *pgxpool.Pool) (*RoleStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	return &RoleStore{pool: pool}, nil
}

// AssignRole inserts a role assignment for the subject.
func (s *RoleStore) AssignRole(ctx context.Context, userID, role string) (RoleAssignment, error) {
	if strings.TrimSpace(userID) == "" {
		return RoleAssignment{}, errors.New("user id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (user_id, role)
        VALUES ($1, $2)
        RETURNING user_id, role, created_at
    `, UserRolesTable), userID, role)

	var assignment RoleAssignment
	if err := row.Scan(&assignment.UserID, &assignment.Role, &assignment.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return RoleAssignment{}, ErrRoleConflict
		}
		if isForeignKeyViolation(err) {
			return RoleAssignment{}, ErrRoleSubjectMissing
		}
		return RoleAssignment{}, err
	}

	return assignment, nil
}

// GetRole returns the subject's assignment. The provisioning flow grants at
// most one role per subject, so a single row is expected.
func (s *RoleStore) GetRole(ctx context.Context, userID string) (RoleAssignment, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT user_id, role, created_at
        FROM %s
        WHERE user_id = $1
        ORDER BY created_at
        LIMIT 1
    `, UserRolesTable), userID)

	var assignment RoleAssignment
	if err := row.Scan(&assignment.UserID, &assignment.Role, &assignment.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleAssignment{}, ErrRoleNotFound
		}
		return RoleAssignment{}, err
	}

	return assignment, nil
}

// RemoveRoles deletes every assignment held by the subject.
func (s *RoleStore) RemoveRoles(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrRoleNotFound
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, UserRolesTable), userID)
	if err != nil {
		return fmt.Errorf("remove roles: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}

	return nil
}
