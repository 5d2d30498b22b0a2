package jobs

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/phc-his/his/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries best-effort audit records.
	QueueAudit = audit.QueueAudit
	// TaskAuditRecord writes one best-effort audit record.
	TaskAuditRecord = audit.TaskTypeRecord
	// TaskSessionPurge removes expired login session rows.
	TaskSessionPurge = "sessions:purge"
)

// SessionPurgePayload configures a purge run.
type SessionPurgePayload struct {
	// Grace keeps rows for a while after expiry so recent logins stay
	// visible to administrators.
	Grace time.Duration `json:"grace"`
}

// NewSessionPurgeTask constructs the purge task scheduled by the worker.
func NewSessionPurgeTask(grace time.Duration) (*asynq.Task, error) {
	data, err := marshalPayload(SessionPurgePayload{Grace: grace})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionPurge, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
