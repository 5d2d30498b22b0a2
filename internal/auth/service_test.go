package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		auditor := &captureAuditor{}
		svc := NewService(newStubRepo(t), auditor)
		acc, err := svc.Authenticate(ctx, " DR.SARI@phc.example", testPassword)
		require.NoError(t, err)
		assert.Equal(t, int64(1), acc.ID)
		assert.Empty(t, auditor.all())
	})

	t.Run("unknown email", func(t *testing.T) {
		auditor := &captureAuditor{}
		svc := NewService(newStubRepo(t), auditor)
		_, err := svc.Authenticate(ctx, "nobody@phc.example", testPassword)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		events := auditor.all()
		require.Len(t, events, 1)
		assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
		assert.Equal(t, "invalid_credentials", events[0].Reason)
		assert.Equal(t, "nobody@phc.example", events[0].Target.ID)
		assert.Zero(t, events[0].PrincipalID)
	})

	t.Run("unknown email still compares a hash", func(t *testing.T) {
		svc := NewService(newStubRepo(t), nil)
		var hashes [][]byte
		svc.compare = func(hash, password []byte) error {
			hashes = append(hashes, hash)
			return bcrypt.CompareHashAndPassword(hash, password)
		}
		_, err := svc.Authenticate(ctx, "nobody@phc.example", testPassword)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		require.Len(t, hashes, 1)
		assert.Equal(t, dummyHash(), hashes[0])
		cost, err := bcrypt.Cost(hashes[0])
		require.NoError(t, err)
		assert.Equal(t, bcrypt.DefaultCost, cost)
	})

	t.Run("wrong password", func(t *testing.T) {
		auditor := &captureAuditor{}
		svc := NewService(newStubRepo(t), auditor)
		_, err := svc.Authenticate(ctx, "dr.sari@phc.example", "wrong-password")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		events := auditor.all()
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].PrincipalID)
		assert.Equal(t, rbac.RolePhysician, events[0].Role)
	})

	t.Run("inactive account", func(t *testing.T) {
		auditor := &captureAuditor{}
		svc := NewService(newStubRepo(t), auditor)
		_, err := svc.Authenticate(ctx, "old.nurse@phc.example", testPassword)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		events := auditor.all()
		require.Len(t, events, 1)
		assert.Equal(t, string(rbac.ReasonInactive), events[0].Reason)
	})
}

func TestSessionLifecycleIsAudited(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo(t)
	auditor := &captureAuditor{}
	svc := NewService(repo, auditor)

	acc, err := svc.Account(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.RegisterSession(ctx, "sess-1", acc, time.Now().Add(time.Hour), "10.0.0.1", "test"))
	assert.Equal(t, 1, repo.sessionCount())

	require.NoError(t, svc.RemoveSession(ctx, "sess-1", acc.ID))
	assert.Zero(t, repo.sessionCount())

	svc.RecordTokenLogin(ctx, acc)

	events := auditor.all()
	require.Len(t, events, 3)
	assert.Equal(t, "login_session", events[0].Reason)
	assert.Equal(t, rbac.ActionCreate, events[0].Action)
	assert.Equal(t, "logout", events[1].Reason)
	assert.Equal(t, rbac.ActionDelete, events[1].Action)
	assert.Equal(t, "login_bearer", events[2].Reason)
	for _, ev := range events {
		assert.Equal(t, audit.OutcomeAllowed, ev.Outcome)
		assert.Equal(t, "session", ev.Target.Type)
	}
}

func TestNilAuditorIsAllowed(t *testing.T) {
	svc := NewService(newStubRepo(t), nil)
	_, err := svc.Authenticate(context.Background(), "nobody@phc.example", testPassword)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}
