package clinical

import (
	"fmt"
	"time"

	"github.com/phc-his/his/internal/platform/httpx"
)

// Note is a free-text clinical note attached to a patient.
type Note struct {
	ID        int64      `json:"id"`
	PatientID string     `json:"patient_id"`
	AuthorID  int64      `json:"author_id"`
	Body      string     `json:"body"`
	SignedBy  *int64     `json:"signed_by,omitempty"`
	SignedAt  *time.Time `json:"signed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Signed reports whether the note has been approved.
func (n Note) Signed() bool {
	return n.SignedAt != nil
}

// NoteInput carries a new note.
type NoteInput struct {
	PatientID string `json:"patient_id" validate:"required,max=64"`
	Body      string `json:"body" validate:"required,max=20000"`
	// IdempotencyKey is taken from the request header, never the body.
	IdempotencyKey string `json:"-"`
}

// EditInput replaces the note body.
type EditInput struct {
	Body string `json:"body" validate:"required,max=20000"`
}

// ErrNoteSigned rejects changes to a signed note.
var ErrNoteSigned = fmt.Errorf("%w: note is signed", httpx.ErrConflict)
