package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

const testPassword = "correct-horse"

type stubRepo struct {
	mu       sync.Mutex
	accounts map[int64]*Account
	sessions map[string]int64
}

func newStubRepo(t *testing.T) *stubRepo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubRepo{
		accounts: map[int64]*Account{
			1: {ID: 1, Email: "dr.sari@phc.example", Name: "Sari", PasswordHash: string(hash), Role: rbac.RolePhysician, Active: true},
			2: {ID: 2, Email: "old.nurse@phc.example", Name: "Budi", PasswordHash: string(hash), Role: rbac.RoleRegistration, Active: false},
		},
		sessions: map[string]int64{},
	}
}

func (r *stubRepo) FindByEmail(ctx context.Context, email string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if strings.EqualFold(acc.Email, strings.TrimSpace(email)) {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *stubRepo) FindByID(ctx context.Context, id int64) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *stubRepo) CreateSession(ctx context.Context, id string, staffID int64, expiresAt time.Time, ip, ua string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = staffID
	return nil
}

func (r *stubRepo) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *stubRepo) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type captureAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAuditor) RecordSession(ctx context.Context, ev audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureAuditor) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Event(nil), c.events...)
}
