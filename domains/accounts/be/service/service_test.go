package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockIdentityStore struct {
	createFn func(ctx context.Context, identity NewIdentity) (string, error)
	deleteFn func(ctx context.Context, id string) error
	lookupFn func(ctx context.Context, email string) (string, error)
}

func (m *mockIdentityStore) Create(ctx context.Context, identity NewIdentity) (string, error) {
	if m.createFn == nil {
		panic("createFn not configured")
	}
	return m.createFn(ctx, identity)
}

func (m *mockIdentityStore) Delete(ctx context.Context, id string) error {
	if m.deleteFn == nil {
		panic("deleteFn not configured")
	}
	return m.deleteFn(ctx, id)
}

func (m *mockIdentityStore) LookupByEmail(ctx context.Context, email string) (string, error) {
	if m.lookupFn == nil {
		panic("lookupFn not configured")
	}
	return m.lookupFn(ctx, email)
}

type mockRecords struct {
	createProfileFn func(ctx context.Context, id, fullName, username, email string) error
	deleteProfileFn func(ctx context.Context, id string) error
	assignRoleFn    func(ctx context.Context, id string, role Role) error
	removeRolesFn   func(ctx context.Context, id string) error
	createTeacherFn func(ctx context.Context, id string) error
	deleteTeacherFn func(ctx context.Context, id string) error
	listByRoleFn    func(ctx context.Context, role Role) ([]Account, error)
}

func (m *mockRecords) CreateProfile(ctx context.Context, id, fullName, username, email string) error {
	if m.createProfileFn == nil {
		panic("createProfileFn not configured")
	}
	return m.createProfileFn(ctx, id, fullName, username, email)
}

func (m *mockRecords) DeleteProfile(ctx context.Context, id string) error {
	if m.deleteProfileFn == nil {
		panic("deleteProfileFn not configured")
	}
	return m.deleteProfileFn(ctx, id)
}

func (m *mockRecords) AssignRole(ctx context.Context, id string, role Role) error {
	if m.assignRoleFn == nil {
		panic("assignRoleFn not configured")
	}
	return m.assignRoleFn(ctx, id, role)
}

func (m *mockRecords) RemoveRoles(ctx context.Context, id string) error {
	if m.removeRolesFn == nil {
		panic("removeRolesFn not configured")
	}
	return m.removeRolesFn(ctx, id)
}

func (m *mockRecords) CreateTeacherRecord(ctx context.Context, id string) error {
	if m.createTeacherFn == nil {
		panic("createTeacherFn not configured")
	}
	return m.createTeacherFn(ctx, id)
}

func (m *mockRecords) DeleteTeacherRecord(ctx context.Context, id string) error {
	if m.deleteTeacherFn == nil {
		panic("deleteTeacherFn not configured")
	}
	return m.deleteTeacherFn(ctx, id)
}

func (m *mockRecords) ListByRole(ctx context.Context, role Role) ([]Account, error) {
	if m.listByRoleFn == nil {
		panic("listByRoleFn not configured")
	}
	return m.listByRoleFn(ctx, role)
}

// fakeStores is an in-memory identity + record store pair that tracks every
// live resource, so tests can assert on the end state after compensation.
type fakeStores struct {
	mu         sync.Mutex
	nextID     int
	identities map[string]string // id -> email
	profiles   map[string]bool
	roles      map[string]Role
	teachers   map[string]bool
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		identities: map[string]string{},
		profiles:   map[string]bool{},
		roles:      map[string]Role{},
		teachers:   map[string]bool{},
	}
}

func (f *fakeStores) Create(ctx context.Context, identity NewIdentity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, email := range f.identities {
		if email == identity.Email {
			return "", ErrEmailAlreadyRegistered
		}
	}
	f.nextID++
	id := fmt.Sprintf("uid-%d", f.nextID)
	f.identities[id] = identity.Email
	return id, nil
}

func (f *fakeStores) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.identities[id]; !ok {
		return ErrIdentityNotFound
	}
	delete(f.identities, id)
	return nil
}

func (f *fakeStores) LookupByEmail(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.identities {
		if e == email {
			return id, nil
		}
	}
	return "", ErrIdentityNotFound
}

func (f *fakeStores) CreateProfile(ctx context.Context, id, fullName, username, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = true
	return nil
}

func (f *fakeStores) DeleteProfile(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.profiles[id] {
		return ErrRecordNotFound
	}
	delete(f.profiles, id)
	delete(f.roles, id)
	delete(f.teachers, id)
	return nil
}

func (f *fakeStores) AssignRole(ctx context.Context, id string, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id] = role
	return nil
}

func (f *fakeStores) RemoveRoles(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[id]; !ok {
		return ErrRecordNotFound
	}
	delete(f.roles, id)
	return nil
}

func (f *fakeStores) CreateTeacherRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teachers[id] = true
	return nil
}

func (f *fakeStores) DeleteTeacherRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.teachers[id] {
		return ErrRecordNotFound
	}
	delete(f.teachers, id)
	return nil
}

func (f *fakeStores) ListByRole(ctx context.Context, role Role) ([]Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var accounts []Account
	for id, r := range f.roles {
		if r == role {
			accounts = append(accounts, Account{ID: id})
		}
	}
	return accounts, nil
}

func newTestService(t *testing.T, identity IdentityStore, records Records) Service {
	t.Helper()
	return New(Config{
		Identity: identity,
		Records:  records,
		Logger:   zaptest.NewLogger(t),
	})
}

func entry(n int) BatchEntry {
	return BatchEntry{
		Email:    fmt.Sprintf("user%d@school.test", n),
		Secret:   "s3cret!",
		FullName: fmt.Sprintf("User %d", n),
		Username: fmt.Sprintf("user%d", n),
	}
}

func TestValidateBatch(t *testing.T) {
	t.Parallel()

	var validationErr *ValidationError

	err := ValidateBatch(nil, RoleTeacher)
	require.Error(t, err)
	require.True(t, errors.As(err, &validationErr))

	err = ValidateBatch([]BatchEntry{entry(1)}, "")
	require.Error(t, err)
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Reason, `"role"`)

	err = ValidateBatch([]BatchEntry{entry(1)}, Role("student"))
	require.Error(t, err)
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Reason, "student")

	require.NoError(t, ValidateBatch([]BatchEntry{entry(1)}, RoleAdmin))
	require.NoError(t, ValidateBatch([]BatchEntry{entry(1)}, RoleTeacher))
	require.NoError(t, ValidateBatch([]BatchEntry{entry(1)}, RoleParent))
}

func TestProvisionRejectsMalformedBatchBeforeAnySideEffect(t *testing.T) {
	t.Parallel()

	// Stores with no functions configured: any call would panic.
	svc := newTestService(t, &mockIdentityStore{}, &mockRecords{})

	_, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, Role("pupil"))
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	_, err = svc.Provision(context.Background(), nil, RoleParent)
	require.True(t, errors.As(err, &validationErr))
}

func TestProvisionSingleTeacherCreatesFullFootprint(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleTeacher)
	require.NoError(t, err)

	require.True(t, report.OverallSuccess)
	require.Equal(t, 1, report.SuccessCount)
	require.Empty(t, report.Failures)
	require.Len(t, report.Successes, 1)
	require.Equal(t, "user1@school.test", report.Successes[0].Email)

	id := report.Successes[0].ID
	require.NotEmpty(t, id)
	require.Contains(t, stores.identities, id)
	require.True(t, stores.profiles[id])
	require.Equal(t, RoleTeacher, stores.roles[id])
	require.True(t, stores.teachers[id])
}

func TestProvisionParentSkipsTeacherRecord(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
	require.NoError(t, err)
	require.True(t, report.OverallSuccess)

	id := report.Successes[0].ID
	require.Equal(t, RoleParent, stores.roles[id])
	require.Empty(t, stores.teachers)
}

func TestProvisionStudentNamePassthrough(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	student := "Ali Karimi"
	e := entry(1)
	e.StudentName = &student

	report, err := svc.Provision(context.Background(), []BatchEntry{e}, RoleParent)
	require.NoError(t, err)
	require.Len(t, report.Successes, 1)
	require.NotNil(t, report.Successes[0].StudentName)
	require.Equal(t, student, *report.Successes[0].StudentName)
}

func TestProvisionIsolatesMalformedEntry(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	bad := entry(2)
	bad.Secret = ""
	bad.Username = "  "

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1), bad, entry(3)}, RoleParent)
	require.NoError(t, err)

	require.False(t, report.OverallSuccess)
	require.Equal(t, 2, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "row 2")
	require.Contains(t, report.Failures[0], "secret")
	require.Contains(t, report.Failures[0], "handle")

	// Order preservation: successes keep the submitted relative order.
	require.Equal(t, "user1@school.test", report.Successes[0].Email)
	require.Equal(t, "user3@school.test", report.Successes[1].Email)
}

func TestProvisionDuplicateEmailScenario(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	// Pre-register entry 2's email.
	_, err := stores.Create(context.Background(), NewIdentity{Email: "user2@school.test"})
	require.NoError(t, err)

	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1), entry(2), entry(3)}, RoleParent)
	require.NoError(t, err)

	require.False(t, report.OverallSuccess)
	require.Equal(t, 2, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "row 2")
	require.Contains(t, report.Failures[0], "user2@school.test")
	require.Contains(t, report.Failures[0], "already registered")
}

func TestProvisionProfileFailureRollsBackIdentity(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	records := &mockRecords{
		createProfileFn: func(ctx context.Context, id, fullName, username, email string) error {
			return errors.New("profile conflict")
		},
	}
	svc := newTestService(t, stores, records)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
	require.NoError(t, err)

	require.False(t, report.OverallSuccess)
	require.Zero(t, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "profile creation failed")

	// No identity survives a failed entry.
	require.Empty(t, stores.identities)
}

func TestProvisionRoleFailureReversesAllPriorWrites(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	records := &mockRecords{
		createProfileFn: stores.CreateProfile,
		deleteProfileFn: stores.DeleteProfile,
		assignRoleFn: func(ctx context.Context, id string, role Role) error {
			return errors.New("role write rejected")
		},
	}
	svc := newTestService(t, stores, records)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleTeacher)
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "role assignment (teacher) failed")

	// The undo stack removed the profile and the identity, in that order.
	require.Empty(t, stores.profiles)
	require.Empty(t, stores.identities)
}

func TestProvisionTeacherRecordFailureReversesAllPriorWrites(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	records := &mockRecords{
		createProfileFn: stores.CreateProfile,
		deleteProfileFn: stores.DeleteProfile,
		assignRoleFn:    stores.AssignRole,
		removeRolesFn:   stores.RemoveRoles,
		createTeacherFn: func(ctx context.Context, id string) error {
			return errors.New("teachers table unavailable")
		},
	}
	svc := newTestService(t, stores, records)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleTeacher)
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "teacher record creation failed")
	require.Empty(t, stores.roles)
	require.Empty(t, stores.profiles)
	require.Empty(t, stores.identities)
}

func TestProvisionCompensationFailureIsReported(t *testing.T) {
	t.Parallel()

	identity := &mockIdentityStore{
		createFn: func(ctx context.Context, id NewIdentity) (string, error) {
			return "uid-1", nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			return errors.New("identity store outage")
		},
	}
	records := &mockRecords{
		createProfileFn: func(ctx context.Context, id, fullName, username, email string) error {
			return errors.New("insert refused")
		},
	}
	svc := newTestService(t, identity, records)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
	require.NoError(t, err)

	// The original failure and the orphaned-identity warning are both present.
	require.Len(t, report.Failures, 2)
	require.Contains(t, report.Failures[0], "profile creation failed")
	require.Contains(t, report.Failures[1], "rollback of identity failed")
	require.Contains(t, report.Failures[1], "identity store outage")
}

func TestProvisionContinuesAfterMidBatchFailure(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	calls := 0
	records := &mockRecords{
		createProfileFn: func(ctx context.Context, id, fullName, username, email string) error {
			calls++
			if calls == 2 {
				return errors.New("transient insert failure")
			}
			return stores.CreateProfile(ctx, id, fullName, username, email)
		},
		deleteProfileFn: stores.DeleteProfile,
		assignRoleFn:    stores.AssignRole,
		removeRolesFn:   stores.RemoveRoles,
		createTeacherFn: stores.CreateTeacherRecord,
		deleteTeacherFn: stores.DeleteTeacherRecord,
	}
	svc := newTestService(t, stores, records)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1), entry(2), entry(3)}, RoleParent)
	require.NoError(t, err)

	require.False(t, report.OverallSuccess)
	require.Equal(t, 2, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "row 2")
	require.Len(t, stores.identities, 2)
	require.Len(t, stores.profiles, 2)
}

func TestProvisionTimedOutCreateReconciliation(t *testing.T) {
	t.Parallel()

	t.Run("creation confirmed by lookup is rolled back", func(t *testing.T) {
		t.Parallel()

		deleted := ""
		identity := &mockIdentityStore{
			createFn: func(ctx context.Context, id NewIdentity) (string, error) {
				return "", fmt.Errorf("create identity: %w", context.DeadlineExceeded)
			},
			lookupFn: func(ctx context.Context, email string) (string, error) {
				return "uid-ghost", nil
			},
			deleteFn: func(ctx context.Context, id string) error {
				deleted = id
				return nil
			},
		}
		svc := newTestService(t, identity, &mockRecords{})

		report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
		require.NoError(t, err)
		require.Len(t, report.Failures, 1)
		require.Contains(t, report.Failures[0], "timed out")
		require.Equal(t, "uid-ghost", deleted)
	})

	t.Run("lookup says not created, nothing deleted", func(t *testing.T) {
		t.Parallel()

		identity := &mockIdentityStore{
			createFn: func(ctx context.Context, id NewIdentity) (string, error) {
				return "", context.DeadlineExceeded
			},
			lookupFn: func(ctx context.Context, email string) (string, error) {
				return "", ErrIdentityNotFound
			},
			// deleteFn deliberately unset: a delete call would panic.
		}
		svc := newTestService(t, identity, &mockRecords{})

		report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
		require.NoError(t, err)
		require.Len(t, report.Failures, 1)
		require.Contains(t, report.Failures[0], "no identity was created")
	})

	t.Run("lookup failure surfaces unknown outcome without deleting", func(t *testing.T) {
		t.Parallel()

		identity := &mockIdentityStore{
			createFn: func(ctx context.Context, id NewIdentity) (string, error) {
				return "", context.DeadlineExceeded
			},
			lookupFn: func(ctx context.Context, email string) (string, error) {
				return "", errors.New("lookup unavailable")
			},
		}
		svc := newTestService(t, identity, &mockRecords{})

		report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleParent)
		require.NoError(t, err)
		require.Len(t, report.Failures, 1)
		require.Contains(t, report.Failures[0], "outcome unknown")
	})
}

func TestDeprovisionFullFootprint(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleTeacher)
	require.NoError(t, err)
	id := report.Successes[0].ID

	require.NoError(t, svc.Deprovision(context.Background(), id))
	require.Empty(t, stores.identities)
	require.Empty(t, stores.profiles)
	require.Empty(t, stores.roles)
	require.Empty(t, stores.teachers)
}

func TestDeprovisionIsIdempotent(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1)}, RoleTeacher)
	require.NoError(t, err)
	id := report.Successes[0].ID

	require.NoError(t, svc.Deprovision(context.Background(), id))
	// Second teardown observes "not found" everywhere and still succeeds.
	require.NoError(t, svc.Deprovision(context.Background(), id))
}

func TestDeprovisionToleratesEarlyStepFailures(t *testing.T) {
	t.Parallel()

	profileDeleted := false
	identity := &mockIdentityStore{
		deleteFn: func(ctx context.Context, id string) error {
			return errors.New("identity store outage")
		},
	}
	records := &mockRecords{
		deleteTeacherFn: func(ctx context.Context, id string) error {
			return errors.New("teachers table locked")
		},
		removeRolesFn: func(ctx context.Context, id string) error {
			return ErrRecordNotFound
		},
		deleteProfileFn: func(ctx context.Context, id string) error {
			profileDeleted = true
			return nil
		},
	}
	svc := newTestService(t, identity, records)

	require.NoError(t, svc.Deprovision(context.Background(), "uid-1"))
	require.True(t, profileDeleted)
}

func TestDeprovisionProfileFailureIsHardError(t *testing.T) {
	t.Parallel()

	identity := &mockIdentityStore{
		deleteFn: func(ctx context.Context, id string) error { return nil },
	}
	records := &mockRecords{
		deleteTeacherFn: func(ctx context.Context, id string) error { return ErrRecordNotFound },
		removeRolesFn:   func(ctx context.Context, id string) error { return ErrRecordNotFound },
		deleteProfileFn: func(ctx context.Context, id string) error {
			return errors.New("profiles table unavailable")
		},
	}
	svc := newTestService(t, identity, records)

	err := svc.Deprovision(context.Background(), "uid-1")
	require.Error(t, err)

	var depErr *DeprovisionError
	require.True(t, errors.As(err, &depErr))
	require.Equal(t, "profiles", depErr.Store)
	require.Contains(t, err.Error(), "profiles")
}

func TestDeprovisionRequiresIdentifier(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockIdentityStore{}, &mockRecords{})

	err := svc.Deprovision(context.Background(), "   ")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestListValidatesRole(t *testing.T) {
	t.Parallel()

	records := &mockRecords{
		listByRoleFn: func(ctx context.Context, role Role) ([]Account, error) {
			require.Equal(t, RoleTeacher, role)
			return []Account{{ID: "uid-1", Username: "teach"}}, nil
		},
	}
	svc := newTestService(t, &mockIdentityStore{}, records)

	accounts, err := svc.List(context.Background(), RoleTeacher)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	_, err = svc.List(context.Background(), Role("janitor"))
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestProvisionFailureMessagesKeepRowNumbers(t *testing.T) {
	t.Parallel()

	stores := newFakeStores()
	// Emails of rows 1 and 3 already registered.
	for _, n := range []int{1, 3} {
		_, err := stores.Create(context.Background(), NewIdentity{Email: fmt.Sprintf("user%d@school.test", n)})
		require.NoError(t, err)
	}
	svc := newTestService(t, stores, stores)

	report, err := svc.Provision(context.Background(), []BatchEntry{entry(1), entry(2), entry(3)}, RoleParent)
	require.NoError(t, err)

	require.Len(t, report.Failures, 2)
	require.True(t, strings.Contains(report.Failures[0], "row 1"))
	require.True(t, strings.Contains(report.Failures[1], "row 3"))
	require.Equal(t, 1, report.SuccessCount)
	require.Equal(t, "user2@school.test", report.Successes[0].Email)
}
