package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/platform/cache"
	"github.com/phc-his/his/jobs"
)

// QueueInspector is the part of *asynq.Inspector the CLI reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// Enqueuer is satisfied by *jobs.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts, err := cache.Options(redisAddr)
	if err != nil {
		return nil, err
	}
	redisOpt := jobs.RedisOpt(opts)
	client, err := jobs.NewClient(redisOpt)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(redisOpt)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		err = errors.Join(err, c.inspector.Close())
	}
	if c.client != nil {
		err = errors.Join(err, c.client.Close())
	}
	return err
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the audit and default queues. A queue that has never
// received a task reports zeros.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueAudit, jobs.QueueDefault} {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("inspect %s: %w", name, err)
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// ArchivedRecord is an audit record whose delivery retries ran out.
type ArchivedRecord struct {
	TaskID    string
	LastError string
	Record    audit.Record
	Err       error
}

// ListArchivedAudit returns archived audit tasks with their decoded records.
// Payloads that no longer decode are returned with Err set.
func (c *JobsCLI) ListArchivedAudit(size int) ([]ArchivedRecord, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 20
	}
	infos, err := c.inspector.ListArchivedTasks(jobs.QueueAudit, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ArchivedRecord, 0, len(infos))
	for _, info := range infos {
		item := ArchivedRecord{TaskID: info.ID, LastError: info.LastErr}
		item.Record, item.Err = audit.DecodeRecordTask(asynq.NewTask(info.Type, info.Payload))
		out = append(out, item)
	}
	return out, nil
}

// TriggerSessionPurge enqueues an out-of-schedule session purge.
func (c *JobsCLI) TriggerSessionPurge(ctx context.Context, grace time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewSessionPurgeTask(grace)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// JobsCLIFactory opens a JobsCLI for a command invocation.
type JobsCLIFactory func(redisAddr string) (*JobsCLI, error)

func jobsCommand(open JobsCLIFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background job queues",
	}
	cmd.PersistentFlags().String("redis", "127.0.0.1:6379", "Redis address or redis:// URL")

	withCLI := func(cmd *cobra.Command, fn func(*JobsCLI) error) error {
		addr, _ := cmd.Flags().GetString("redis")
		c, err := open(addr)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(c)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show audit and default queue sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd, func(c *JobsCLI) error {
				stats, err := c.InspectQueues()
				if err != nil {
					return err
				}
				writeStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	})

	archived := &cobra.Command{
		Use:   "archived",
		Short: "List audit records dropped after exhausting retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("limit")
			return withCLI(cmd, func(c *JobsCLI) error {
				items, err := c.ListArchivedAudit(size)
				if err != nil {
					return err
				}
				writeArchived(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
	archived.Flags().Int("limit", 20, "Maximum tasks to list")
	cmd.AddCommand(archived)

	purge := &cobra.Command{
		Use:   "purge-sessions",
		Short: "Enqueue a session purge now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			return withCLI(cmd, func(c *JobsCLI) error {
				info, err := c.TriggerSessionPurge(cmd.Context(), grace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", info.ID, info.Queue)
				return nil
			})
		},
	}
	purge.Flags().Duration("grace", 0, "Keep sessions that expired less than this long ago")
	cmd.AddCommand(purge)
	return cmd
}

func writeStats(w io.Writer, stats []QueueStats) {
	fmt.Fprintf(w, "%-10s %8s %8s %10s %8s %9s\n", "QUEUE", "PENDING", "ACTIVE", "SCHEDULED", "RETRY", "ARCHIVED")
	for _, s := range stats {
		fmt.Fprintf(w, "%-10s %8d %8d %10d %8d %9d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
}

func writeArchived(w io.Writer, items []ArchivedRecord) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no archived audit records")
		return
	}
	for _, item := range items {
		if item.Err != nil {
			fmt.Fprintf(w, "%s undecodable payload: %v\n", item.TaskID, item.Err)
			continue
		}
		rec := item.Record
		fmt.Fprintf(w, "%s %s %s.%s %s principal=%d last_error=%q\n",
			item.TaskID, rec.OccurredAt.UTC().Format("2006-01-02T15:04:05Z"),
			rec.Module, rec.Action, rec.Outcome, rec.PrincipalID, item.LastError)
	}
}
