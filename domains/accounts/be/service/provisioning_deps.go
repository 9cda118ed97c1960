package service

import (
	"context"
	"errors"
)

// Identity store sentinels.
var (
	// ErrEmailAlreadyRegistered is returned when the identity store already
	// holds a principal for the email. Callers surface this distinctly so the
	// console can render a duplicate-email hint.
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	// ErrIdentityNotFound is returned by delete/lookup when no identity exists.
	ErrIdentityNotFound = errors.New("identity not found")
)

// ErrRecordNotFound is returned by the record store when the targeted row is
// absent. The teardown flow treats it as already-satisfied.
var ErrRecordNotFound = errors.New("record not found")

// NewIdentity describes a credentialed principal to be created.
// The secret is write-only; it is never read back from the store.
type NewIdentity struct {
	Email    string
	Secret   string
	FullName string
	Username string
}

// IdentityStore manages credentialed principals in the external auth backend.
// Create returns the store-assigned stable identifier. LookupByEmail exists
// for reconciling creations whose outcome is unknown (timeouts).
type IdentityStore interface {
	Create(ctx context.Context, identity NewIdentity) (string, error)
	Delete(ctx context.Context, id string) error
	LookupByEmail(ctx context.Context, email string) (string, error)
}

// Records manages the relational footprint of an account: the profile row,
// the role assignment, and the teacher extension row.
type Records interface {
	CreateProfile(ctx context.Context, id, fullName, username, email string) error
	DeleteProfile(ctx context.Context, id string) error
	AssignRole(ctx context.Context, id string, role Role) error
	RemoveRoles(ctx context.Context, id string) error
	CreateTeacherRecord(ctx context.Context, id string) error
	DeleteTeacherRecord(ctx context.Context, id string) error
	ListByRole(ctx context.Context, role Role) ([]Account, error)
}
