package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/phc-his/his/internal/audit"
	jobmetrics "github.com/phc-his/his/internal/jobs"
)

// AuditRecordJob persists audit records submitted by audit.QueueSink.
type AuditRecordJob struct {
	Writer  audit.Writer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditRecordJob constructs the handler.
func NewAuditRecordJob(writer audit.Writer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecordJob{Writer: writer, Logger: logger, Metrics: metrics}
}

// Handle writes the record. A record already present counts as written so
// redelivery is harmless; an undecodable payload is never retried.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Writer == nil {
		return errors.New("audit record: handler not configured")
	}
	tracker := j.Metrics.Track(TaskAuditRecord)
	defer func() {
		err = tracker.End(err)
	}()

	rec, err := audit.DecodeRecordTask(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := j.Writer.Insert(ctx, nil, rec); err != nil {
		if errors.Is(err, audit.ErrDuplicateRecord) {
			j.Logger.Debug("audit record already stored", slog.String("record_id", rec.ID.String()))
			return nil
		}
		return err
	}
	return nil
}
