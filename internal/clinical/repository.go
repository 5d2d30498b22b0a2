package clinical

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
)

// Repository stores notes in PostgreSQL.
type Repository struct {
	pool db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const noteColumns = `id, patient_id, author_id, body, signed_by, signed_at, created_at, updated_at`

// Get fetches one note.
func (r *Repository) Get(ctx context.Context, id int64) (Note, error) {
	return getNote(ctx, r.pool, `SELECT `+noteColumns+` FROM clinical_notes WHERE id = $1`, id)
}

// GetForUpdate fetches and row-locks one note inside tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Note, error) {
	return getNote(ctx, tx, `SELECT `+noteColumns+` FROM clinical_notes WHERE id = $1 FOR UPDATE`, id)
}

// Insert writes a new note inside tx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, authorID int64, in NoteInput) (Note, error) {
	rows, err := tx.Query(ctx, `INSERT INTO clinical_notes (patient_id, author_id, body)
VALUES ($1, $2, $3) RETURNING `+noteColumns, strings.TrimSpace(in.PatientID), authorID, in.Body)
	if err != nil {
		return Note{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanNote)
}

// UpdateBody replaces the body of an unsigned note.
func (r *Repository) UpdateBody(ctx context.Context, tx pgx.Tx, id int64, body string, at time.Time) (Note, error) {
	rows, err := tx.Query(ctx, `UPDATE clinical_notes SET body = $2, updated_at = $3
WHERE id = $1 AND signed_at IS NULL RETURNING `+noteColumns, id, body, at)
	if err != nil {
		return Note{}, err
	}
	return collectChanged(rows, id)
}

// MarkSigned stamps the signer on an unsigned note.
func (r *Repository) MarkSigned(ctx context.Context, tx pgx.Tx, id, signerID int64, at time.Time) (Note, error) {
	rows, err := tx.Query(ctx, `UPDATE clinical_notes SET signed_by = $2, signed_at = $3, updated_at = $3
WHERE id = $1 AND signed_at IS NULL RETURNING `+noteColumns, id, signerID, at)
	if err != nil {
		return Note{}, err
	}
	return collectChanged(rows, id)
}

func getNote(ctx context.Context, q db.Querier, sql string, id int64) (Note, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return Note{}, err
	}
	note, err := pgx.CollectExactlyOneRow(rows, scanNote)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, fmt.Errorf("%w: note %d", httpx.ErrNotFound, id)
		}
		return Note{}, err
	}
	return note, nil
}

// collectChanged treats a missing row as signed: callers lock the row
// before updating, so the note exists.
func collectChanged(rows pgx.Rows, id int64) (Note, error) {
	note, err := pgx.CollectExactlyOneRow(rows, scanNote)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, fmt.Errorf("%w: note %d", ErrNoteSigned, id)
		}
		return Note{}, err
	}
	return note, nil
}

func scanNote(row pgx.CollectableRow) (Note, error) {
	var (
		n        Note
		signedBy pgtype.Int8
		signedAt pgtype.Timestamptz
	)
	if err := row.Scan(&n.ID, &n.PatientID, &n.AuthorID, &n.Body, &signedBy, &signedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return Note{}, err
	}
	if signedBy.Valid {
		v := signedBy.Int64
		n.SignedBy = &v
	}
	if signedAt.Valid {
		t := signedAt.Time.UTC()
		n.SignedAt = &t
	}
	return n, nil
}
