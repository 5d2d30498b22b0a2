package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// SessionAuditor records login and logout events. *audit.Recorder
// implements it.
type SessionAuditor interface {
	RecordSession(ctx context.Context, ev audit.Event)
}

// dummyHash is compared against when the email is unknown so the response
// time does not reveal which accounts exist.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("his-unknown-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	auditor SessionAuditor
	compare func(hash, password []byte) error
}

// NewService constructs a new Service. auditor may be nil.
func NewService(repo Repository, auditor SessionAuditor) *Service {
	return &Service{repo: repo, auditor: auditor, compare: bcrypt.CompareHashAndPassword}
}

// Authenticate validates email/password credentials. Inactive accounts are
// rejected with the same error as a bad password; the audit trail keeps the
// real reason.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	target := audit.Target{Type: "session", ID: strings.ToLower(strings.TrimSpace(email))}
	acc, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		_ = s.compare(dummyHash(), []byte(password))
		s.record(ctx, audit.Event{Action: rbac.ActionCreate, Target: target, Outcome: audit.OutcomeDenied, Reason: "invalid_credentials"})
		return nil, shared.ErrInvalidCredentials
	}
	if err := s.compare([]byte(acc.PasswordHash), []byte(password)); err != nil {
		s.record(ctx, audit.Event{PrincipalID: acc.ID, Role: acc.Role, Action: rbac.ActionCreate, Target: target, Outcome: audit.OutcomeDenied, Reason: "invalid_credentials"})
		return nil, shared.ErrInvalidCredentials
	}
	if !acc.Active {
		s.record(ctx, audit.Event{PrincipalID: acc.ID, Role: acc.Role, Action: rbac.ActionCreate, Target: target, Outcome: audit.OutcomeDenied, Reason: string(rbac.ReasonInactive)})
		return nil, shared.ErrInvalidCredentials
	}
	return acc, nil
}

// Account loads the account behind a principal id.
func (s *Service) Account(ctx context.Context, id int64) (*Account, error) {
	return s.repo.FindByID(ctx, id)
}

// RegisterSession persists the session metadata in postgres and records the
// login.
func (s *Service) RegisterSession(ctx context.Context, id string, acc *Account, expiresAt time.Time, ip, ua string) error {
	if err := s.repo.CreateSession(ctx, id, acc.ID, expiresAt, ip, ua); err != nil {
		return err
	}
	s.recordLogin(ctx, acc, "session")
	return nil
}

// RemoveSession deletes a session record from postgres and records the
// logout.
func (s *Service) RemoveSession(ctx context.Context, id string, principalID int64) error {
	err := s.repo.DeleteSession(ctx, id)
	s.record(ctx, audit.Event{
		PrincipalID: principalID,
		Action:      rbac.ActionDelete,
		Target:      audit.Target{Type: "session", ID: strconv.FormatInt(principalID, 10)},
		Outcome:     audit.OutcomeAllowed,
		Reason:      "logout",
	})
	return err
}

func (s *Service) recordLogin(ctx context.Context, acc *Account, method string) {
	s.record(ctx, audit.Event{
		PrincipalID: acc.ID,
		Role:        acc.Role,
		Action:      rbac.ActionCreate,
		Target:      audit.Target{Type: "session", ID: strconv.FormatInt(acc.ID, 10)},
		Outcome:     audit.OutcomeAllowed,
		Reason:      "login_" + method,
	})
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.RecordSession(ctx, ev)
}

// RecordTokenLogin records a successful API login.
func (s *Service) RecordTokenLogin(ctx context.Context, acc *Account) {
	s.recordLogin(ctx, acc, "bearer")
}
