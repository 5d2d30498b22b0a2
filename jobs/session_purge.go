package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/phc-his/his/internal/jobs"
	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/shared"
)

// SessionPurgeJob deletes staff_sessions rows that expired before the grace
// window, and idempotency keys claimed before it. Redis keys expire on their
// own.
type SessionPurgeJob struct {
	DB      db.Querier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSessionPurgeJob initialises the purge handler.
func NewSessionPurgeJob(q db.Querier, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionPurgeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPurgeJob{DB: q, Logger: logger, Metrics: metrics, clock: func() time.Time { return time.Now().UTC() }}
}

// Handle executes one purge.
func (j *SessionPurgeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.DB == nil {
		return errors.New("session purge: handler not configured")
	}
	var payload SessionPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Grace < 0 {
		payload.Grace = 0
	}
	tracker := j.Metrics.Track(TaskSessionPurge)
	defer func() {
		err = tracker.End(err)
	}()

	cutoff := j.clock().Add(-payload.Grace)
	tag, err := j.DB.Exec(ctx, `DELETE FROM staff_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return err
	}
	keys, err := shared.PurgeIdempotencyKeys(ctx, j.DB, cutoff)
	if err != nil {
		return err
	}
	j.Logger.Info("expired sessions purged",
		slog.Int64("sessions", tag.RowsAffected()),
		slog.Int64("idempotency_keys", keys),
		slog.Time("cutoff", cutoff))
	return nil
}

func marshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
