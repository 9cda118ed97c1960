package repo

import (
	"context"
	"errors"

	"github.com/parsedu/school-admin/domains/accounts/be/service"
	"github.com/parsedu/school-admin/platform/go/persistence"
)

// PostgresRecords implements the record store capability over the shared
// persistence stores.
type PostgresRecords struct {
	profiles *persistence.ProfileStore
	roles    *persistence.RoleStore
	teachers *persistence.TeacherStore
}

func NewPostgresRecords(profiles *persistence.ProfileStore, roles *persistence.RoleStore, teachers *persistence.TeacherStore) *PostgresRecords {
	if profiles == nil || roles == nil || teachers == nil {
		panic("profile, role and teacher stores are required")
	}
	return &PostgresRecords{profiles: profiles, roles: roles, teachers: teachers}
}

func (r *PostgresRecords) CreateProfile(ctx context.Context, id, fullName, username, email string) error {
	_, err := r.profiles.CreateProfile(ctx, persistence.CreateProfileParams{
		ID:       id,
		FullName: fullName,
		Username: username,
		Email:    email,
	})
	return err
}

func (r *PostgresRecords) DeleteProfile(ctx context.Context, id string) error {
	return mapNotFound(r.profiles.DeleteProfile(ctx, id))
}

func (r *PostgresRecords) AssignRole(ctx context.Context, id string, role service.Role) error {
	_, err := r.roles.AssignRole(ctx, id, string(role))
	return err
}

func (r *PostgresRecords) RemoveRoles(ctx context.Context, id string) error {
	return mapNotFound(r.roles.RemoveRoles(ctx, id))
}

func (r *PostgresRecords) CreateTeacherRecord(ctx context.Context, id string) error {
	_, err := r.teachers.CreateTeacherRecord(ctx, id)
	return err
}

func (r *PostgresRecords) DeleteTeacherRecord(ctx context.Context, id string) error {
	return mapNotFound(r.teachers.DeleteTeacherRecord(ctx, id))
}

func (r *PostgresRecords) ListByRole(ctx context.Context, role service.Role) ([]service.Account, error) {
	profiles, err := r.profiles.ListProfilesByRole(ctx, string(role))
	if err != nil {
		return nil, err
	}

	accounts := make([]service.Account, 0, len(profiles))
	for _, profile := range profiles {
		accounts = append(accounts, service.Account{
			ID:        profile.ID,
			FullName:  profile.FullName,
			Username:  profile.Username,
			Email:     profile.Email,
			CreatedAt: profile.CreatedAt,
		})
	}

	return accounts, nil
}

func mapNotFound(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrProfileNotFound),
		errors.Is(err, persistence.ErrRoleNotFound),
		errors.Is(err, persistence.ErrTeacherNotFound):
		return service.ErrRecordNotFound
	default:
		return err
	}
}

var _ service.Records = (*PostgresRecords)(nil)
