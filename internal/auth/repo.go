package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id int64) (*Account, error)
	CreateSession(ctx context.Context, id string, staffID int64, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `SELECT id, email, name, password_hash, role, active FROM staff`

// FindByEmail fetches an account by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return r.find(ctx, accountColumns+` WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

// FindByID fetches an account by id.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*Account, error) {
	return r.find(ctx, accountColumns+` WHERE id = $1`, id)
}

func (r *PGRepository) find(ctx context.Context, sql string, arg any) (*Account, error) {
	var (
		acc  Account
		role string
	)
	err := r.pool.QueryRow(ctx, sql, arg).Scan(&acc.ID, &acc.Email, &acc.Name, &acc.PasswordHash, &role, &acc.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if acc.Role, err = rbac.ParseRole(role); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateSession persists a new login session in the database for auditing.
func (r *PGRepository) CreateSession(ctx context.Context, id string, staffID int64, expiresAt time.Time, ip, ua string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO staff_sessions (id, staff_id, ip, user_agent, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id, staffID,
		pgtype.Text{String: ip, Valid: ip != ""},
		pgtype.Text{String: ua, Valid: ua != ""},
		time.Now().UTC(), expiresAt.UTC())
	return err
}

// DeleteSession removes a session record from the database.
func (r *PGRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM staff_sessions WHERE id = $1`, id)
	return err
}

var _ Repository = (*PGRepository)(nil)
