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

const TeachersTable = "teachers"

// TeacherRecord is the role extension row created for teacher accounts.
type TeacherRecord struct {
	ProfileID string    `db:"profile_id" json:"profileId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

var (
	// ErrTeacherNotFound indicates no extension row exists for the profile.
	ErrTeacherNotFound = errors.New("teacher record not found")
	// ErrTeacherConflict indicates the extension row already exists.
	ErrTeacherConflict = errors.New("teacher record conflict")
	// ErrTeacherSubjectMissing indicates the profile row is absent.
	ErrTeacherSubjectMissing = errors.New("teacher subject missing")
)

// TeacherStore exposes persistence helpers for the teachers table.
type TeacherStore struct {
	pool *pgxpool.Pool
}

// NewTeacherStore returns a store instance; assumes migrations already created the table.
func NewTeacherStore(ctx context.Context, pool *pgxpool.Pool) (*TeacherStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	return &TeacherStore{pool: pool}, nil
}

// CreateTeacherRecord inserts the extension row for a teacher profile.
func (s *TeacherStore) CreateTeacherRecord(ctx context.Context, profileID string) (TeacherRecord, error) {
	if strings.TrimSpace(profileID) == "" {
		return TeacherRecord{}, errors.New("profile id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (profile_id)
        VALUES ($1)
        RETURNING profile_id, created_at
    `, TeachersTable), profileID)

	var record TeacherRecord
	if err := row.Scan(&record.ProfileID, &record.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return TeacherRecord{}, ErrTeacherConflict
		}
		if isForeignKeyViolation(err) {
			return TeacherRecord{}, ErrTeacherSubjectMissing
		}
		return TeacherRecord{}, err
	}

	return record, nil
}

// GetTeacherRecord fetches the extension row for a profile.
func (s *TeacherStore) GetTeacherRecord(ctx context.Context, profileID string) (TeacherRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT profile_id, created_at
        FROM %s
        WHERE profile_id = $1
    `, TeachersTable), profileID)

	var record TeacherRecord
	if err := row.Scan(&record.ProfileID, &record.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TeacherRecord{}, ErrTeacherNotFound
		}
		return TeacherRecord{}, err
	}

	return record, nil
}

// DeleteTeacherRecord removes the extension row for a profile.
func (s *TeacherStore) DeleteTeacherRecord(ctx context.Context, profileID string) error {
	if strings.TrimSpace(profileID) == "" {
		return ErrTeacherNotFound
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE profile_id = $1`, TeachersTable), profileID)
	if err != nil {
		return fmt.Errorf("delete teacher record: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrTeacherNotFound
	}

	return nil
}
