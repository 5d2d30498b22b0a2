package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/rbac"
)

// Writer menulis record ke koneksi atau transaksi yang diberikan. Tidak ada
// operasi update maupun delete.
type Writer interface {
	Insert(ctx context.Context, q db.Querier, rec Record) error
}

// Repository menyediakan query timeline.
type Repository interface {
	TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Record, error)
	TimelineAll(ctx context.Context, filters TimelineFilters) ([]Record, error)
}

// Store adalah implementasi Postgres untuk Writer dan Repository.
type Store struct {
	pool db.Querier
}

// NewStore membuat store audit.
func NewStore(pool db.Querier) *Store {
	return &Store{pool: pool}
}

const insertRecordSQL = `
INSERT INTO audit_records (
	id, principal_id, role, module, action, target_type, target_id,
	outcome, reason, before_state, after_state, source_addr, user_agent,
	request_id, policy_version, occurred_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Insert menulis satu record. ID yang sudah ada ditolak dengan
// ErrDuplicateRecord.
func (s *Store) Insert(ctx context.Context, q db.Querier, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if q == nil {
		q = s.pool
	}
	_, err := q.Exec(ctx, insertRecordSQL,
		rec.ID,
		optionalInt8(rec.PrincipalID),
		optionalText(rec.Role),
		rec.Module.String(),
		rec.Action.String(),
		rec.Target.Type,
		optionalText(rec.Target.ID),
		string(rec.Outcome),
		rec.Reason,
		nullableJSON(rec.Before),
		nullableJSON(rec.After),
		optionalText(rec.SourceAddr),
		optionalText(rec.UserAgent),
		optionalText(rec.RequestID),
		int64(rec.PolicyVersion),
		rec.OccurredAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
		}
		return err
	}
	return nil
}

const selectRecordColumns = `
SELECT id, seq, principal_id, role, module, action, target_type, target_id,
	outcome, reason, before_state, after_state, source_addr, user_agent,
	request_id, policy_version, occurred_at
FROM audit_records
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::bigint IS NULL OR principal_id = $3)
  AND ($4::text IS NULL OR module = $4)
  AND ($5::text IS NULL OR action = $5)
  AND ($6::text IS NULL OR outcome = $6)
  AND ($7::text IS NULL OR target_type = $7)
  AND ($8::text IS NULL OR target_id = $8)
ORDER BY seq DESC`

// TimelineWindow mengambil satu jendela timeline, terbaru lebih dulu.
func (s *Store) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Record, error) {
	args := filterArgs(filters)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, selectRecordColumns+` LIMIT $9 OFFSET $10`, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// TimelineAll mengambil seluruh timeline untuk ekspor.
func (s *Store) TimelineAll(ctx context.Context, filters TimelineFilters) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecordColumns, filterArgs(filters)...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func filterArgs(f TimelineFilters) []any {
	var module, action pgtype.Text
	if f.Module.Valid() {
		module = pgtype.Text{String: f.Module.String(), Valid: true}
	}
	if f.Action.Valid() {
		action = pgtype.Text{String: f.Action.String(), Valid: true}
	}
	return []any{
		toPgTime(f.From),
		toPgTime(f.To),
		optionalInt8(f.PrincipalID),
		module,
		action,
		optionalText(string(f.Outcome)),
		optionalText(f.TargetType),
		optionalText(f.TargetID),
	}
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			rec                               Record
			principal, policyVersion          pgtype.Int8
			role, targetID, source, ua, reqID pgtype.Text
			module, action, outcome           string
			before, after                     []byte
			occurredAt                        time.Time
		)
		if err := row.Scan(&rec.ID, &rec.Seq, &principal, &role, &module, &action,
			&rec.Target.Type, &targetID, &outcome, &rec.Reason, &before, &after,
			&source, &ua, &reqID, &policyVersion, &occurredAt); err != nil {
			return Record{}, err
		}
		var err error
		if rec.Module, err = rbac.ParseModule(module); err != nil {
			return Record{}, err
		}
		if rec.Action, err = rbac.ParseAction(action); err != nil {
			return Record{}, err
		}
		rec.PrincipalID = principal.Int64
		rec.Role = role.String
		rec.Target.ID = targetID.String
		rec.Outcome = Outcome(outcome)
		rec.Before = json.RawMessage(before)
		rec.After = json.RawMessage(after)
		rec.SourceAddr = source.String
		rec.UserAgent = ua.String
		rec.RequestID = reqID.String
		rec.PolicyVersion = uint64(policyVersion.Int64)
		rec.OccurredAt = occurredAt.UTC()
		return rec, nil
	})
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalInt8(v int64) pgtype.Int8 {
	if v == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: v, Valid: true}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
