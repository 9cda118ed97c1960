package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role is the permission class granted to every entry of a batch.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
)

// DefaultCallTimeout bounds each individual store call.
const DefaultCallTimeout = 10 * time.Second

// ValidationError rejects a whole request before any store is touched.
type ValidationError struct {
	Reason string
}

func (v *ValidationError) Error() string { return v.Reason }

// DeprovisionError reports a teardown failure that must propagate to the
// caller, naming the store that failed.
type DeprovisionError struct {
	Store string
	Err   error
}

func (d *DeprovisionError) Error() string {
	return fmt.Sprintf("deprovisioning failed at %s: %v", d.Store, d.Err)
}

func (d *DeprovisionError) Unwrap() error { return d.Err }

// BatchEntry is one user descriptor of a provisioning batch. StudentName is
// an optional passthrough the import UI uses to link freshly created parents
// to pending student rows; it is never persisted here.
type BatchEntry struct {
	Email       string
	Secret      string
	FullName    string
	Username    string
	StudentName *string
}

// ProvisionedAccount reports one successfully created account.
type ProvisionedAccount struct {
	Email       string
	ID          string
	StudentName *string
}

// BatchReport aggregates per-entry outcomes. Failures and Successes each
// preserve the submitted entry order.
type BatchReport struct {
	OverallSuccess bool
	SuccessCount   int
	Failures       []string
	Successes      []ProvisionedAccount
}

// Account is the directory view of a provisioned principal.
type Account struct {
	ID        string
	FullName  string
	Username  string
	Email     string
	CreatedAt time.Time
}

// Service defines the account provisioning operations.
type Service interface {
	Provision(ctx context.Context, entries []BatchEntry, role Role) (BatchReport, error)
	Deprovision(ctx context.Context, identifier string) error
	List(ctx context.Context, role Role) ([]Account, error)
}

// Config carries the service dependencies.
type Config struct {
	Identity    IdentityStore
	Records     Records
	Logger      *zap.Logger
	CallTimeout time.Duration
}

type service struct {
	identity    IdentityStore
	records     Records
	logger      *zap.Logger
	callTimeout time.Duration
}

// New constructs the accounts Service.
func New(cfg Config) Service {
	if cfg.Identity == nil {
		panic("identity store is required")
	}
	if cfg.Records == nil {
		panic("record store is required")
	}
	if cfg.Logger == nil {
		panic("logger is required")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	return &service{
		identity:    cfg.Identity,
		records:     cfg.Records,
		logger:      cfg.Logger,
		callTimeout: timeout,
	}
}

// ValidateBatch is the whole-batch gate: it rejects a structurally malformed
// request wholesale and never inspects individual entries.
func ValidateBatch(entries []BatchEntry, role Role) error {
	if len(entries) == 0 {
		return &ValidationError{Reason: `the "entries" list is required and must not be empty`}
	}

	switch role {
	case RoleAdmin, RoleTeacher, RoleParent:
		return nil
	case "":
		return &ValidationError{Reason: `the "role" field is required`}
	default:
		return &ValidationError{Reason: fmt.Sprintf("invalid role %q: must be one of admin, teacher, parent", role)}
	}
}

// Provision drives identity, profile, role and teacher-extension creation for
// every entry of the batch, in submitted order. Entries are independent: one
// entry's failure rolls back that entry's writes and the loop continues.
func (s *service) Provision(ctx context.Context, entries []BatchEntry, role Role) (BatchReport, error) {
	if err := ValidateBatch(entries, role); err != nil {
		return BatchReport{}, err
	}

	batchID := uuid.New().String()
	logger := s.logger.With(
		zap.String("batch_id", batchID),
		zap.String("role", string(role)),
		zap.Int("entries", len(entries)),
	)

	report := BatchReport{Failures: []string{}, Successes: []ProvisionedAccount{}}

	for i, entry := range entries {
		s.provisionEntry(ctx, logger, &report, i+1, entry, role)
	}

	report.SuccessCount = len(report.Successes)
	report.OverallSuccess = len(report.Failures) == 0

	logger.Info("bulk provisioning finished",
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("failed", len(report.Failures)),
	)

	return report, nil
}

// undoStep reverses one successful store write of the current entry.
type undoStep struct {
	label string
	fn    func(ctx context.Context) error
}

func (s *service) provisionEntry(ctx context.Context, logger *zap.Logger, report *BatchReport, row int, entry BatchEntry, role Role) {
	var missing []string
	if strings.TrimSpace(entry.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(entry.Secret) == "" {
		missing = append(missing, "secret")
	}
	if strings.TrimSpace(entry.FullName) == "" {
		missing = append(missing, "full_name")
	}
	if strings.TrimSpace(entry.Username) == "" {
		missing = append(missing, "handle")
	}
	if len(missing) > 0 {
		report.Failures = append(report.Failures,
			fmt.Sprintf("row %d: required fields missing or empty (%s)", row, strings.Join(missing, ", ")))
		return
	}

	email := strings.TrimSpace(entry.Email)

	// Writes made so far for this entry, reversed in opposite order on failure.
	var undo []undoStep

	fail := func(cause string) {
		messages := []string{fmt.Sprintf("row %d (%s): %s", row, email, cause)}
		for i := len(undo) - 1; i >= 0; i-- {
			// Compensation must still run when the request context is gone.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
			if err := undo[i].fn(cctx); err != nil {
				messages = append(messages,
					fmt.Sprintf("row %d (%s): rollback of %s failed: %v", row, email, undo[i].label, err))
				logger.Error("compensation failed, manual cleanup required",
					zap.Int("row", row),
					zap.String("step", undo[i].label),
					zap.Error(err),
				)
			}
			cancel()
		}
		report.Failures = append(report.Failures, messages...)
	}

	// Identity creation. The batch is admin initiated, so the account is
	// created pre-confirmed with no verification round-trip.
	id, err := s.createIdentity(ctx, entry)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailAlreadyRegistered):
			fail("email is already registered")
		case errors.Is(err, context.DeadlineExceeded):
			s.reconcileTimedOutCreate(ctx, email, &undo, fail)
		default:
			fail(fmt.Sprintf("identity creation failed: %v", err))
		}
		return
	}
	undo = append(undo, undoStep{label: "identity", fn: func(ctx context.Context) error {
		return s.identity.Delete(ctx, id)
	}})

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.records.CreateProfile(ctx, id, entry.FullName, entry.Username, email)
	}); err != nil {
		fail(fmt.Sprintf("profile creation failed: %v", err))
		return
	}
	undo = append(undo, undoStep{label: "profile", fn: func(ctx context.Context) error {
		return s.records.DeleteProfile(ctx, id)
	}})

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.records.AssignRole(ctx, id, role)
	}); err != nil {
		fail(fmt.Sprintf("role assignment (%s) failed: %v", role, err))
		return
	}
	undo = append(undo, undoStep{label: "role assignment", fn: func(ctx context.Context) error {
		return s.records.RemoveRoles(ctx, id)
	}})

	if role == RoleTeacher {
		if err := s.call(ctx, func(ctx context.Context) error {
			return s.records.CreateTeacherRecord(ctx, id)
		}); err != nil {
			fail(fmt.Sprintf("teacher record creation failed: %v", err))
			return
		}
	}

	report.Successes = append(report.Successes, ProvisionedAccount{
		Email:       email,
		ID:          id,
		StudentName: entry.StudentName,
	})
}

func (s *service) createIdentity(ctx context.Context, entry BatchEntry) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	return s.identity.Create(cctx, NewIdentity{
		Email:    strings.TrimSpace(entry.Email),
		Secret:   entry.Secret,
		FullName: strings.TrimSpace(entry.FullName),
		Username: strings.TrimSpace(entry.Username),
	})
}

// reconcileTimedOutCreate handles an identity creation whose outcome is
// unknown. The identity store is re-queried by email: only a confirmed
// creation is rolled back, and a failed lookup leaves the identity alone
// rather than risking the deletion of an account that really exists.
func (s *service) reconcileTimedOutCreate(ctx context.Context, email string, undo *[]undoStep, fail func(string)) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()

	id, err := s.identity.LookupByEmail(cctx, email)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		fail("identity creation timed out; no identity was created")
	case err != nil:
		fail("identity creation timed out; outcome unknown, manual reconciliation required")
	default:
		*undo = append(*undo, undoStep{label: "identity", fn: func(ctx context.Context) error {
			return s.identity.Delete(ctx, id)
		}})
		fail("identity creation timed out after the identity was created")
	}
}

// Deprovision tears down an account's full footprint. Every step tolerates
// an already-absent resource; only the profile deletion is load-bearing,
// because the profile is the system of record for the principal's existence.
func (s *service) Deprovision(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return &ValidationError{Reason: `the "identifier" field is required`}
	}

	logger := s.logger.With(zap.String("identifier", identifier))

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.identity.Delete(ctx, identifier)
	}); err != nil && !errors.Is(err, ErrIdentityNotFound) {
		logger.Warn("identity delete failed, continuing teardown", zap.Error(err))
	}

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.records.DeleteTeacherRecord(ctx, identifier)
	}); err != nil && !errors.Is(err, ErrRecordNotFound) {
		logger.Warn("teacher record delete failed, continuing teardown", zap.Error(err))
	}

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.records.RemoveRoles(ctx, identifier)
	}); err != nil && !errors.Is(err, ErrRecordNotFound) {
		logger.Warn("role assignment delete failed, continuing teardown", zap.Error(err))
	}

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.records.DeleteProfile(ctx, identifier)
	}); err != nil && !errors.Is(err, ErrRecordNotFound) {
		logger.Error("profile delete failed", zap.Error(err))
		return &DeprovisionError{Store: "profiles", Err: err}
	}

	return nil
}

// List returns the accounts holding the given role via a read-through query.
func (s *service) List(ctx context.Context, role Role) ([]Account, error) {
	switch role {
	case RoleAdmin, RoleTeacher, RoleParent:
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid role %q: must be one of admin, teacher, parent", role)}
	}

	var accounts []Account
	err := s.call(ctx, func(ctx context.Context) error {
		var listErr error
		accounts, listErr = s.records.ListByRole(ctx, role)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

func (s *service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(cctx)
}
