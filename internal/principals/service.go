package principals

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// RepositoryPort defines data access methods for staff.
type RepositoryPort interface {
	List(ctx context.Context, filter ListFilter) ([]Staff, int, error)
	Get(ctx context.Context, id int64) (Staff, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Staff, error)
	Insert(ctx context.Context, tx pgx.Tx, in ProvisionInput, role rbac.Role, passwordHash string) (Staff, error)
	UpdateRole(ctx context.Context, tx pgx.Tx, id int64, role rbac.Role, at time.Time) (Staff, error)
	SetActive(ctx context.Context, tx pgx.Tx, id int64, active bool, at time.Time) (Staff, error)
}

// UnitOfWork runs an audited mutation and records allowed decisions that
// never reach a commit. *audit.Recorder implements it.
type UnitOfWork interface {
	Within(ctx context.Context, d rbac.Decision, target audit.Target, fn audit.Mutation) (audit.Record, error)
	Abort(ctx context.Context, d rbac.Decision, target audit.Target, cause error)
}

// Page is one page of staff.
type Page struct {
	Staff      []Staff           `json:"staff"`
	Pagination shared.Pagination `json:"pagination"`
}

// Service handles staff lifecycle. Every operation checks that the caller's
// decision covers it; mutations run inside the audit unit of work.
type Service struct {
	repo     RepositoryPort
	uow      UnitOfWork
	validate *validator.Validate
	hashCost int
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, uow UnitOfWork) *Service {
	return &Service{
		repo:     repo,
		uow:      uow,
		validate: validator.New(),
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// List returns staff accounts.
func (s *Service) List(ctx context.Context, d rbac.Decision, filter ListFilter) (Page, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionView); err != nil {
		return Page{}, err
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	staff, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	if staff == nil {
		staff = []Staff{}
	}
	return Page{Staff: staff, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, d rbac.Decision, id int64) (Staff, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionView); err != nil {
		return Staff{}, err
	}
	return s.repo.Get(ctx, id)
}

// Provision creates an account with a bcrypt password hash.
func (s *Service) Provision(ctx context.Context, d rbac.Decision, in ProvisionInput) (Staff, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionCreate); err != nil {
		return Staff{}, err
	}
	target := audit.Target{Type: "staff"}
	if err := s.validate.Struct(in); err != nil {
		return Staff{}, s.abort(ctx, d, target, validationError(err))
	}
	role, err := rbac.ParseRole(in.Role)
	if err != nil {
		return Staff{}, s.abort(ctx, d, target, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return Staff{}, s.abort(ctx, d, target, fmt.Errorf("principals: hash password: %w", err))
	}

	var created Staff
	_, err = s.uow.Within(ctx, d, target, func(ctx context.Context, tx pgx.Tx) (audit.Change, error) {
		staff, err := s.repo.Insert(ctx, tx, in, role, string(hash))
		if err != nil {
			return audit.Change{}, err
		}
		created = staff
		return audit.Change{TargetID: strconv.FormatInt(staff.ID, 10), After: staff}, nil
	})
	if err != nil {
		return Staff{}, err
	}
	return created, nil
}

// ChangeRole assigns a different role.
func (s *Service) ChangeRole(ctx context.Context, d rbac.Decision, id int64, roleName string) (Staff, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionAdmin); err != nil {
		return Staff{}, err
	}
	role, err := rbac.ParseRole(roleName)
	if err != nil {
		return Staff{}, s.abort(ctx, d, staffTarget(id), fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	}
	return s.mutate(ctx, d, id, func(ctx context.Context, tx pgx.Tx, before Staff) (Staff, error) {
		if before.Role == role {
			return Staff{}, ErrAlreadyInState
		}
		return s.repo.UpdateRole(ctx, tx, id, role, s.now().UTC())
	})
}

// Deactivate soft-deactivates an account. The gate denies the account from
// its next request on.
func (s *Service) Deactivate(ctx context.Context, d rbac.Decision, id int64) (Staff, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionAdmin); err != nil {
		return Staff{}, err
	}
	if id == d.PrincipalID {
		return Staff{}, s.abort(ctx, d, staffTarget(id), ErrSelfDeactivation)
	}
	return s.setActive(ctx, d, id, false)
}

// Reactivate restores a deactivated account.
func (s *Service) Reactivate(ctx context.Context, d rbac.Decision, id int64) (Staff, error) {
	if err := d.Require(rbac.ModuleAdministration, rbac.ActionAdmin); err != nil {
		return Staff{}, err
	}
	return s.setActive(ctx, d, id, true)
}

func (s *Service) setActive(ctx context.Context, d rbac.Decision, id int64, active bool) (Staff, error) {
	return s.mutate(ctx, d, id, func(ctx context.Context, tx pgx.Tx, before Staff) (Staff, error) {
		if before.Active == active {
			return Staff{}, ErrAlreadyInState
		}
		return s.repo.SetActive(ctx, tx, id, active, s.now().UTC())
	})
}

func (s *Service) mutate(ctx context.Context, d rbac.Decision, id int64, apply func(context.Context, pgx.Tx, Staff) (Staff, error)) (Staff, error) {
	var after Staff
	_, err := s.uow.Within(ctx, d, staffTarget(id), func(ctx context.Context, tx pgx.Tx) (audit.Change, error) {
		before, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return audit.Change{}, err
		}
		updated, err := apply(ctx, tx, before)
		if err != nil {
			return audit.Change{}, err
		}
		after = updated
		return audit.Change{Before: before, After: updated}, nil
	})
	if err != nil {
		return Staff{}, err
	}
	return after, nil
}

// abort records the allowed decision as aborted and hands cause back.
func (s *Service) abort(ctx context.Context, d rbac.Decision, target audit.Target, cause error) error {
	s.uow.Abort(ctx, d, target, cause)
	return cause
}

func staffTarget(id int64) audit.Target {
	return audit.Target{Type: "staff", ID: strconv.FormatInt(id, 10)}
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
}
