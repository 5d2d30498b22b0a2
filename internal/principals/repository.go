package principals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const staffColumns = `id, email, name, role, active, created_at, updated_at, deactivated_at`

// LookupPrincipal implements rbac.PrincipalStore.
func (r *Repository) LookupPrincipal(ctx context.Context, id int64) (rbac.Principal, error) {
	var (
		role   string
		active bool
	)
	err := r.pool.QueryRow(ctx, `SELECT role, active FROM staff WHERE id = $1`, id).Scan(&role, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Principal{}, rbac.ErrPrincipalNotFound
		}
		return rbac.Principal{}, fmt.Errorf("principals: lookup %d: %w", id, err)
	}
	parsed, err := rbac.ParseRole(role)
	if err != nil {
		return rbac.Principal{}, fmt.Errorf("principals: staff %d: %w", id, err)
	}
	return rbac.Principal{ID: id, Role: parsed, Active: active}, nil
}

// List returns one page of staff ordered by id, plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Staff, int, error) {
	var role pgtype.Text
	if filter.Role.Valid() {
		role = pgtype.Text{String: filter.Role.String(), Valid: true}
	}
	where := `WHERE ($1::text IS NULL OR role = $1) AND (NOT $2 OR active)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM staff `+where, role, filter.ActiveOnly).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := (filter.Page - 1) * filter.PerPage
	rows, err := r.pool.Query(ctx, `SELECT `+staffColumns+` FROM staff `+where+` ORDER BY id LIMIT $3 OFFSET $4`,
		role, filter.ActiveOnly, filter.PerPage, offset)
	if err != nil {
		return nil, 0, err
	}
	staff, err := pgx.CollectRows(rows, scanStaff)
	if err != nil {
		return nil, 0, err
	}
	return staff, total, nil
}

// Get fetches one account.
func (r *Repository) Get(ctx context.Context, id int64) (Staff, error) {
	return r.get(ctx, r.pool, `SELECT `+staffColumns+` FROM staff WHERE id = $1`, id)
}

// GetForUpdate fetches and row-locks one account inside tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Staff, error) {
	return r.get(ctx, tx, `SELECT `+staffColumns+` FROM staff WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) get(ctx context.Context, q db.Querier, sql string, id int64) (Staff, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return Staff{}, err
	}
	staff, err := pgx.CollectExactlyOneRow(rows, scanStaff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Staff{}, fmt.Errorf("%w: staff %d", httpx.ErrNotFound, id)
		}
		return Staff{}, err
	}
	return staff, nil
}

// Insert creates an account inside tx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, in ProvisionInput, role rbac.Role, passwordHash string) (Staff, error) {
	rows, err := tx.Query(ctx, `INSERT INTO staff (email, name, password_hash, role)
VALUES ($1, $2, $3, $4) RETURNING `+staffColumns,
		strings.ToLower(strings.TrimSpace(in.Email)), strings.TrimSpace(in.Name), passwordHash, role.String())
	if err != nil {
		return Staff{}, err
	}
	staff, err := pgx.CollectExactlyOneRow(rows, scanStaff)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Staff{}, fmt.Errorf("%w: email %s", httpx.ErrDuplicate, in.Email)
		}
		return Staff{}, err
	}
	return staff, nil
}

// UpdateRole changes the role inside tx.
func (r *Repository) UpdateRole(ctx context.Context, tx pgx.Tx, id int64, role rbac.Role, at time.Time) (Staff, error) {
	rows, err := tx.Query(ctx, `UPDATE staff SET role = $2, updated_at = $3 WHERE id = $1 RETURNING `+staffColumns,
		id, role.String(), at)
	if err != nil {
		return Staff{}, err
	}
	return collectUpdated(rows, id)
}

// SetActive flips the active flag inside tx. Deactivation stamps
// deactivated_at; reactivation clears it.
func (r *Repository) SetActive(ctx context.Context, tx pgx.Tx, id int64, active bool, at time.Time) (Staff, error) {
	rows, err := tx.Query(ctx, `UPDATE staff
SET active = $2,
    deactivated_at = CASE WHEN $2 THEN NULL ELSE $3::timestamptz END,
    updated_at = $3
WHERE id = $1 RETURNING `+staffColumns, id, active, at)
	if err != nil {
		return Staff{}, err
	}
	return collectUpdated(rows, id)
}

func collectUpdated(rows pgx.Rows, id int64) (Staff, error) {
	staff, err := pgx.CollectExactlyOneRow(rows, scanStaff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Staff{}, fmt.Errorf("%w: staff %d", httpx.ErrNotFound, id)
		}
		return Staff{}, err
	}
	return staff, nil
}

func scanStaff(row pgx.CollectableRow) (Staff, error) {
	var (
		s           Staff
		role        string
		deactivated pgtype.Timestamptz
	)
	if err := row.Scan(&s.ID, &s.Email, &s.Name, &role, &s.Active, &s.CreatedAt, &s.UpdatedAt, &deactivated); err != nil {
		return Staff{}, err
	}
	parsed, err := rbac.ParseRole(role)
	if err != nil {
		return Staff{}, err
	}
	s.Role = parsed
	if deactivated.Valid {
		t := deactivated.Time.UTC()
		s.DeactivatedAt = &t
	}
	return s, nil
}

var _ rbac.PrincipalStore = (*Repository)(nil)
