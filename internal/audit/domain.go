package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phc-his/his/internal/rbac"
)

// Outcome adalah hasil akhir sebuah record audit.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// ReasonAborted menandai keputusan yang diizinkan tetapi mutasinya tidak
// pernah di-commit.
const ReasonAborted = "aborted"

// Target menunjuk entitas yang disentuh sebuah aksi.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Change adalah snapshot sebelum/sesudah yang dikembalikan mutasi bisnis.
// TargetID diisi bila ID entitas baru diketahui setelah insert.
type Change struct {
	TargetID string
	Before   any
	After    any
}

// Record adalah satu baris audit yang append-only.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq,omitempty"`
	PrincipalID   int64           `json:"principal_id,omitempty"`
	Role          string          `json:"role,omitempty"`
	Module        rbac.Module     `json:"module"`
	Action        rbac.Action     `json:"action"`
	Target        Target          `json:"target"`
	Outcome       Outcome         `json:"outcome"`
	Reason        string          `json:"reason"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	SourceAddr    string          `json:"source_addr,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	PolicyVersion uint64          `json:"policy_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

var (
	// ErrDuplicateRecord dikembalikan bila ID record sudah pernah ditulis.
	ErrDuplicateRecord = errors.New("audit: duplicate record id")
	// ErrDecisionDenied menolak unit kerja untuk keputusan yang ditolak.
	ErrDecisionDenied = errors.New("audit: decision is not an allow")
	// ErrNotMutating menolak unit kerja untuk aksi baca.
	ErrNotMutating = errors.New("audit: action does not mutate state")
	// ErrInvalidRecord dikembalikan untuk record yang tidak lengkap.
	ErrInvalidRecord = errors.New("audit: invalid record")
)

// WriteError menandai kegagalan menulis record audit untuk mutasi yang
// diizinkan. Mutasinya selalu ikut dibatalkan.
type WriteError struct {
	RecordID uuid.UUID
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit: write record %s: %v", e.RecordID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteFailure melaporkan apakah err berasal dari kegagalan tulis audit.
func IsWriteFailure(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

func (r Record) validate() error {
	switch {
	case r.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case !r.Module.Valid() || !r.Action.Valid():
		return fmt.Errorf("%w: module/action", ErrInvalidRecord)
	case r.Outcome != OutcomeAllowed && r.Outcome != OutcomeDenied:
		return fmt.Errorf("%w: outcome %q", ErrInvalidRecord, r.Outcome)
	case r.Target.Type == "":
		return fmt.Errorf("%w: missing target type", ErrInvalidRecord)
	}
	return nil
}

func snapshotJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: encode snapshot: %w", err)
	}
	return data, nil
}
