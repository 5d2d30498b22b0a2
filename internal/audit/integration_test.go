//go:build integration

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/rbac"
)

func migrationScript(t *testing.T) string {
	t.Helper()
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations", "0001_init.sql")
}

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("his_test"),
		postgres.WithUsername("his"),
		postgres.WithPassword("his"),
		postgres.WithInitScripts(migrationScript(t)),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := db.New(ctx, dsn, "his-integration")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func insertStaff(ctx context.Context, tx pgx.Tx, email string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO staff (email, name, password_hash, role) VALUES ($1, $1, 'x', 'physician') RETURNING id`, email).Scan(&id)
	return id, err
}

func countStaff(t *testing.T, pool *pgxpool.Pool, email string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM staff WHERE email = $1`, email).Scan(&n))
	return n
}

func TestIntegrationAuditOrAbort(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewStore(pool)
	recorder := NewRecorder(pool, store, nil, nil)
	d := allowedDecision(rbac.ModuleAdministration, rbac.ActionCreate)

	rec, err := recorder.Within(ctx, d, Target{Type: "staff"}, func(ctx context.Context, tx pgx.Tx) (Change, error) {
		id, err := insertStaff(ctx, tx, "first@his.test")
		return Change{TargetID: fmt.Sprint(id), After: map[string]any{"email": "first@his.test"}}, err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countStaff(t, pool, "first@his.test"))

	// Reusing the committed record id makes the audit insert fail.
	recorder.newID = func() uuid.UUID { return rec.ID }
	_, err = recorder.Within(ctx, d, Target{Type: "staff"}, func(ctx context.Context, tx pgx.Tx) (Change, error) {
		id, err := insertStaff(ctx, tx, "second@his.test")
		return Change{TargetID: fmt.Sprint(id)}, err
	})
	require.Error(t, err)
	assert.True(t, IsWriteFailure(err))
	assert.ErrorIs(t, err, ErrDuplicateRecord)
	assert.Equal(t, 0, countStaff(t, pool, "second@his.test"))

	rows, err := store.TimelineAll(ctx, TimelineFilters{TargetType: "staff"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, rec.ID, rows[0].ID)
	assert.JSONEq(t, `{"email":"first@his.test"}`, string(rows[0].After))
}

func TestIntegrationRecordsAreAppendOnly(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewStore(pool)

	rec := sampleRecord()
	require.NoError(t, store.Insert(ctx, nil, rec))
	assert.ErrorIs(t, store.Insert(ctx, nil, rec), ErrDuplicateRecord)

	_, err := pool.Exec(ctx, `UPDATE audit_records SET reason = 'granted' WHERE id = $1`, rec.ID)
	assert.Error(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM audit_records WHERE id = $1`, rec.ID)
	assert.Error(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE audit_records`)
	assert.Error(t, err)

	rows, err := store.TimelineAll(ctx, TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "no_rule", rows[0].Reason)
}

func TestIntegrationTimelineFiltersAndOrder(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewStore(pool)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := sampleRecord()
		rec.ID = uuid.New()
		rec.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			rec.Outcome = OutcomeAllowed
			rec.Reason = "granted"
			rec.Action = rbac.ActionView
		}
		require.NoError(t, store.Insert(ctx, nil, rec))
	}

	all, err := store.TimelineWindow(ctx, TimelineFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Seq, all[i].Seq)
	}

	denied, err := store.TimelineWindow(ctx, TimelineFilters{Outcome: OutcomeDenied}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, denied, 2)

	views, err := store.TimelineWindow(ctx, TimelineFilters{Action: rbac.ActionView, From: base.Add(time.Minute)}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	page, err := store.TimelineWindow(ctx, TimelineFilters{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)
}
