package audit

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// AsyncSink menerima record best-effort (penolakan dan akses baca).
type AsyncSink interface {
	Submit(ctx context.Context, rec Record) error
}

// Mutation adalah perubahan bisnis yang berjalan di dalam transaksi audit.
type Mutation func(ctx context.Context, tx pgx.Tx) (Change, error)

// Recorder menulis jejak audit. Mutasi yang diizinkan dicatat di transaksi
// yang sama dengan perubahan bisnisnya; penolakan dan akses baca dikirim ke
// AsyncSink.
type Recorder struct {
	beginner db.Beginner
	writer   Writer
	sink     AsyncSink
	logger   *slog.Logger
	now      func() time.Time
	newID    func() uuid.UUID
}

// NewRecorder membuat Recorder baru.
func NewRecorder(beginner db.Beginner, writer Writer, sink AsyncSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		beginner: beginner,
		writer:   writer,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// Within menjalankan mutasi dan menulis record audit-nya dalam satu
// transaksi. Bila mutasi gagal, record allowed/aborted tanpa snapshot dikirim
// ke sink. Bila penulisan audit gagal, mutasi dibatalkan dan *WriteError
// dikembalikan. Record untuk target
// yang sama diserialisasi dengan advisory lock transaksi sehingga urutan seq
// mengikuti urutan commit.
func (r *Recorder) Within(ctx context.Context, d rbac.Decision, target Target, fn Mutation) (Record, error) {
	if !d.Allowed {
		return Record{}, fmt.Errorf("%w: %w", ErrDecisionDenied, d.Err())
	}
	if !d.Action.Mutating() {
		return Record{}, fmt.Errorf("%w: %s", ErrNotMutating, d.Action)
	}
	if target.Type == "" {
		return Record{}, fmt.Errorf("%w: missing target type", ErrInvalidRecord)
	}

	var rec Record
	err := db.WithTx(ctx, r.beginner, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if target.ID != "" {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, targetLockKey(target)); err != nil {
				return fmt.Errorf("audit: lock target: %w", err)
			}
		}
		change, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		if change.TargetID != "" {
			target.ID = change.TargetID
		}
		rec, err = r.build(ctx, d, target, OutcomeAllowed)
		if err != nil {
			return &WriteError{RecordID: rec.ID, Err: err}
		}
		if rec.Before, err = snapshotJSON(change.Before); err != nil {
			return &WriteError{RecordID: rec.ID, Err: err}
		}
		if rec.After, err = snapshotJSON(change.After); err != nil {
			return &WriteError{RecordID: rec.ID, Err: err}
		}
		if err := r.writer.Insert(ctx, tx, rec); err != nil {
			return &WriteError{RecordID: rec.ID, Err: err}
		}
		return nil
	})
	if err != nil {
		if IsWriteFailure(err) {
			r.logger.Error("audit write failed, mutation rolled back",
				slog.String("module", d.Module.String()),
				slog.String("action", d.Action.String()),
				slog.String("target", target.Type+":"+target.ID),
				slog.Any("error", err))
		} else {
			r.Abort(ctx, d, target, err)
		}
		return Record{}, err
	}
	return rec, nil
}

// Abort mencatat keputusan allow yang mutasinya gagal sebelum commit,
// termasuk kegagalan validasi sebelum Within dipanggil. Keputusan deny sudah
// dicatat oleh ObserveDecision dan dilewati.
func (r *Recorder) Abort(ctx context.Context, d rbac.Decision, target Target, cause error) {
	if !d.Allowed {
		return
	}
	if target.Type == "" {
		target.Type = d.Module.String()
	}
	d.Reason = ReasonAborted
	rec, err := r.build(ctx, d, target, OutcomeAllowed)
	if err != nil {
		r.logger.Warn("audit record dropped", slog.Any("error", err))
		return
	}
	r.logger.Debug("mutation aborted",
		slog.String("record_id", rec.ID.String()),
		slog.String("target", target.Type+":"+target.ID),
		slog.Any("error", cause))
	r.submit(context.WithoutCancel(ctx), rec)
}

// ObserveDecision mengimplementasikan rbac.Observer. Mutasi yang diizinkan
// dilewati karena dicatat oleh Within; selain itu record dikirim ke sink.
func (r *Recorder) ObserveDecision(ctx context.Context, d rbac.Decision) {
	if d.Allowed && d.Action.Mutating() {
		return
	}
	outcome := OutcomeDenied
	if d.Allowed {
		outcome = OutcomeAllowed
	}
	target := Target{Type: d.Module.String(), ID: chi.URLParamFromCtx(ctx, "id")}
	rec, err := r.build(ctx, d, target, outcome)
	if err != nil {
		r.logger.Warn("audit record dropped", slog.Any("error", err))
		return
	}
	r.submit(ctx, rec)
}

// Event adalah kejadian yang tidak melewati gate, misalnya login.
type Event struct {
	PrincipalID int64
	Role        rbac.Role
	Action      rbac.Action
	Target      Target
	Outcome     Outcome
	Reason      string
}

// RecordSession mencatat login dan logout secara best-effort.
func (r *Recorder) RecordSession(ctx context.Context, ev Event) {
	d := rbac.Decision{
		PrincipalID: ev.PrincipalID,
		Role:        ev.Role,
		Module:      rbac.ModuleSession,
		Action:      ev.Action,
		Allowed:     ev.Outcome == OutcomeAllowed,
		Reason:      rbac.Reason(ev.Reason),
		DecidedAt:   r.now().UTC(),
	}
	target := ev.Target
	if target.Type == "" {
		target.Type = "session"
	}
	rec, err := r.build(ctx, d, target, ev.Outcome)
	if err != nil {
		r.logger.Warn("audit record dropped", slog.Any("error", err))
		return
	}
	r.submit(ctx, rec)
}

func (r *Recorder) submit(ctx context.Context, rec Record) {
	if r.sink == nil {
		r.logger.Warn("audit record dropped, no sink configured", slog.String("record_id", rec.ID.String()))
		return
	}
	if err := r.sink.Submit(ctx, rec); err != nil {
		r.logger.Warn("audit record dropped",
			slog.String("record_id", rec.ID.String()),
			slog.String("outcome", string(rec.Outcome)),
			slog.Any("error", err))
	}
}

func (r *Recorder) build(ctx context.Context, d rbac.Decision, target Target, outcome Outcome) (Record, error) {
	meta := shared.RequestMetaFromContext(ctx)
	rec := Record{
		ID:            r.newID(),
		PrincipalID:   d.PrincipalID,
		Module:        d.Module,
		Action:        d.Action,
		Target:        target,
		Outcome:       outcome,
		Reason:        string(d.Reason),
		SourceAddr:    meta.SourceAddr,
		UserAgent:     meta.UserAgent,
		RequestID:     meta.RequestID,
		PolicyVersion: d.PolicyVersion,
		OccurredAt:    r.now().UTC(),
	}
	if d.Role.Valid() {
		rec.Role = d.Role.String()
	}
	return rec, rec.validate()
}

func targetLockKey(t Target) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.ID))
	return int64(h.Sum64())
}
