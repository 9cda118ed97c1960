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

const ProfilesTable = "profiles"

// Profile represents a row in the profiles table. The id column is the
// identity store's identifier for the same principal; it is never generated
// locally.
type Profile struct {
	ID        string    `db:"id" json:"id"`
	FullName  string    `db:"full_name" json:"fullName"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

var (
	// ErrProfileNotFound indicates a missing profile record.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileConflict indicates a uniqueness violation (duplicated id or username).
	ErrProfileConflict = errors.New("profile conflict")
)

// ProfileStore exposes persistence helpers for the profiles table.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore returns a store instance; assumes migrations already created the table.
func NewProfileStore(ctx context.Context, pool *pgxpool.Pool) (*ProfileStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	return &ProfileStore{pool: pool}, nil
}

// CreateProfileParams captures the fields required to insert a new profile record.
type CreateProfileParams struct {
	ID       string
	FullName string
	Username string
	Email    string
}

// CreateProfile inserts a new profile keyed by the caller-supplied identity id.
func (s *ProfileStore) CreateProfile(ctx context.Context, params CreateProfileParams) (Profile, error) {
	if strings.TrimSpace(params.ID) == "" {
		return Profile{}, errors.New("profile id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (id, full_name, username, email)
        VALUES ($1, $2, $3, $4)
        RETURNING id, full_name, username, email, created_at, updated_at
    `, ProfilesTable),
		strings.TrimSpace(params.ID),
		strings.TrimSpace(params.FullName),
		strings.TrimSpace(params.Username),
		strings.TrimSpace(params.Email),
	)

	profile, err := scanProfile(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Profile{}, ErrProfileConflict
		}
		return Profile{}, err
	}

	return profile, nil
}

// GetProfile fetches a single profile by identity id.
func (s *ProfileStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT id, full_name, username, email, created_at, updated_at
        FROM %s
        WHERE id = $1
    `, ProfilesTable), id)

	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, err
	}

	return profile, nil
}

// ListProfilesByRole returns the profiles holding the given role, newest first.
// This is a read-through query; callers are expected not to cache the result.
func (s *ProfileStore) ListProfilesByRole(ctx context.Context, role string) ([]Profile, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT p.id, p.full_name, p.username, p.email, p.created_at, p.updated_at
        FROM %s p
        JOIN %s r ON r.user_id = p.id
        WHERE r.role = $1
        ORDER BY p.created_at DESC
    `, ProfilesTable, UserRolesTable), role)
	if err != nil {
		return nil, fmt.Errorf("list profiles by role: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		profile, scanErr := scanProfile(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan profile: %w", scanErr)
		}
		profiles = append(profiles, profile)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// DeleteProfile removes a profile by identity id.
func (s *ProfileStore) DeleteProfile(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrProfileNotFound
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ProfilesTable), id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}

	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var profile Profile

	if err := row.Scan(&profile.ID, &profile.FullName, &profile.Username, &profile.Email, &profile.CreatedAt, &profile.UpdatedAt); err != nil {
		return Profile{}, err
	}

	return profile, nil
}
