package clinical

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
)

// RepositoryPort defines data access for notes.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Note, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Note, error)
	Insert(ctx context.Context, tx pgx.Tx, authorID int64, in NoteInput) (Note, error)
	UpdateBody(ctx context.Context, tx pgx.Tx, id int64, body string, at time.Time) (Note, error)
	MarkSigned(ctx context.Context, tx pgx.Tx, id, signerID int64, at time.Time) (Note, error)
}

// UnitOfWork runs an audited mutation.
type UnitOfWork interface {
	Within(ctx context.Context, d rbac.Decision, target audit.Target, fn audit.Mutation) (audit.Record, error)
	Abort(ctx context.Context, d rbac.Decision, target audit.Target, cause error)
}

// KeyClaimer records idempotency keys inside the mutation's transaction.
type KeyClaimer interface {
	Claim(ctx context.Context, q db.Querier, key, scope string) error
}

const targetType = "clinical_note"

// Service exposes note operations.
type Service struct {
	repo     RepositoryPort
	uow      UnitOfWork
	keys     KeyClaimer
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, uow UnitOfWork) *Service {
	return &Service{repo: repo, uow: uow, validate: validator.New(), now: time.Now}
}

// WithIdempotency makes Create honour client idempotency keys.
func (s *Service) WithIdempotency(keys KeyClaimer) *Service {
	s.keys = keys
	return s
}

// Get returns one note.
func (s *Service) Get(ctx context.Context, d rbac.Decision, id int64) (Note, error) {
	if err := d.Require(rbac.ModuleClinical, rbac.ActionView); err != nil {
		return Note{}, err
	}
	return s.repo.Get(ctx, id)
}

// Create writes a note authored by the deciding principal.
func (s *Service) Create(ctx context.Context, d rbac.Decision, in NoteInput) (Note, error) {
	if err := d.Require(rbac.ModuleClinical, rbac.ActionCreate); err != nil {
		return Note{}, err
	}
	if err := s.validate.Struct(in); err != nil {
		err = validationError(err)
		s.uow.Abort(ctx, d, audit.Target{Type: targetType}, err)
		return Note{}, err
	}
	var created Note
	_, err := s.uow.Within(ctx, d, audit.Target{Type: targetType}, func(ctx context.Context, tx pgx.Tx) (audit.Change, error) {
		if in.IdempotencyKey != "" && s.keys != nil {
			scope := targetType + ":" + strconv.FormatInt(d.PrincipalID, 10)
			if err := s.keys.Claim(ctx, tx, in.IdempotencyKey, scope); err != nil {
				return audit.Change{}, err
			}
		}
		note, err := s.repo.Insert(ctx, tx, d.PrincipalID, in)
		if err != nil {
			return audit.Change{}, err
		}
		created = note
		return audit.Change{TargetID: strconv.FormatInt(note.ID, 10), After: note}, nil
	})
	if err != nil {
		return Note{}, err
	}
	return created, nil
}

// Edit replaces the body of an unsigned note.
func (s *Service) Edit(ctx context.Context, d rbac.Decision, id int64, in EditInput) (Note, error) {
	if err := d.Require(rbac.ModuleClinical, rbac.ActionEdit); err != nil {
		return Note{}, err
	}
	if err := s.validate.Struct(in); err != nil {
		err = validationError(err)
		s.uow.Abort(ctx, d, noteTarget(id), err)
		return Note{}, err
	}
	return s.mutate(ctx, d, id, func(ctx context.Context, tx pgx.Tx, _ Note) (Note, error) {
		return s.repo.UpdateBody(ctx, tx, id, in.Body, s.now().UTC())
	})
}

// Sign approves a note. Signed notes are frozen.
func (s *Service) Sign(ctx context.Context, d rbac.Decision, id int64) (Note, error) {
	if err := d.Require(rbac.ModuleClinical, rbac.ActionApprove); err != nil {
		return Note{}, err
	}
	return s.mutate(ctx, d, id, func(ctx context.Context, tx pgx.Tx, _ Note) (Note, error) {
		return s.repo.MarkSigned(ctx, tx, id, d.PrincipalID, s.now().UTC())
	})
}

func (s *Service) mutate(ctx context.Context, d rbac.Decision, id int64, apply func(context.Context, pgx.Tx, Note) (Note, error)) (Note, error) {
	var after Note
	_, err := s.uow.Within(ctx, d, noteTarget(id), func(ctx context.Context, tx pgx.Tx) (audit.Change, error) {
		before, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return audit.Change{}, err
		}
		if before.Signed() {
			return audit.Change{}, ErrNoteSigned
		}
		updated, err := apply(ctx, tx, before)
		if err != nil {
			return audit.Change{}, err
		}
		after = updated
		return audit.Change{Before: before, After: updated}, nil
	})
	if err != nil {
		return Note{}, err
	}
	return after, nil
}

func noteTarget(id int64) audit.Target {
	return audit.Target{Type: targetType, ID: strconv.FormatInt(id, 10)}
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
