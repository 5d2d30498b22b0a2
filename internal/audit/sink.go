package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

const (
	// TaskTypeRecord adalah tipe task asynq untuk record audit best-effort.
	TaskTypeRecord = "audit:record"
	// QueueAudit adalah nama queue khusus audit.
	QueueAudit = "audit"
	// MaxAttempts membatasi percobaan tulis untuk record best-effort.
	MaxAttempts = 3
)

var (
	// ErrSinkClosed dikembalikan setelah DirectSink ditutup.
	ErrSinkClosed = errors.New("audit: sink closed")
	// ErrSinkFull dikembalikan bila buffer DirectSink penuh.
	ErrSinkFull = errors.New("audit: sink buffer full")
)

// NewRecordTask membungkus record menjadi task asynq. ID task sama dengan ID
// record sehingga pengiriman ulang tidak menggandakan task.
func NewRecordTask(rec Record) (*asynq.Task, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRecord, data,
		asynq.Queue(QueueAudit),
		asynq.MaxRetry(MaxAttempts),
		asynq.TaskID(rec.ID.String()),
	), nil
}

// DecodeRecordTask membaca record dari payload task.
func DecodeRecordTask(t *asynq.Task) (Record, error) {
	var rec Record
	if err := json.Unmarshal(t.Payload(), &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Enqueuer dipenuhi oleh *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink mengirim record ke worker lewat asynq. Bila enqueue gagal,
// record diteruskan ke fallback.
type QueueSink struct {
	client   Enqueuer
	fallback AsyncSink
	logger   *slog.Logger
}

// NewQueueSink membuat QueueSink baru. fallback boleh nil.
func NewQueueSink(client Enqueuer, fallback AsyncSink, logger *slog.Logger) *QueueSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueSink{client: client, fallback: fallback, logger: logger}
}

// Submit mengimplementasikan AsyncSink.
func (s *QueueSink) Submit(ctx context.Context, rec Record) error {
	task, err := NewRecordTask(rec)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(context.WithoutCancel(ctx), task)
	if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if s.fallback == nil {
		return fmt.Errorf("audit: enqueue record: %w", err)
	}
	s.logger.Warn("audit enqueue failed, writing directly",
		slog.String("record_id", rec.ID.String()),
		slog.Any("error", err))
	return s.fallback.Submit(ctx, rec)
}

// DirectSinkConfig mengatur DirectSink.
type DirectSinkConfig struct {
	Buffer  int
	Workers int
	Backoff time.Duration
	Timeout time.Duration
	// OnDrop dipanggil untuk setiap record yang dibuang: buffer penuh, sink
	// sudah ditutup, atau retry habis.
	OnDrop func(rec Record, err error)
}

// DirectSink menulis record langsung ke store dari goroutine worker, dengan
// percobaan ulang terbatas. Record yang tetap gagal dibuang dengan warning.
type DirectSink struct {
	writer  Writer
	logger  *slog.Logger
	backoff time.Duration
	timeout time.Duration
	onDrop  func(Record, error)
	queue   chan Record
	group   errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewDirectSink menjalankan worker DirectSink. Panggil Close saat shutdown.
func NewDirectSink(writer Writer, cfg DirectSinkConfig, logger *slog.Logger) *DirectSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &DirectSink{
		writer:  writer,
		logger:  logger,
		backoff: cfg.Backoff,
		timeout: cfg.Timeout,
		onDrop:  cfg.OnDrop,
		queue:   make(chan Record, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.group.Go(func() error {
			for rec := range s.queue {
				s.write(rec)
			}
			return nil
		})
	}
	return s
}

// Submit mengimplementasikan AsyncSink. Tidak pernah memblokir request.
func (s *DirectSink) Submit(_ context.Context, rec Record) error {
	err := s.enqueue(rec)
	if err != nil && s.onDrop != nil {
		s.onDrop(rec, err)
	}
	return err
}

func (s *DirectSink) enqueue(rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close berhenti menerima record dan menunggu antrean habis.
func (s *DirectSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	return s.group.Wait()
}

func (s *DirectSink) write(rec Record) {
	var err error
	delay := s.backoff
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.writer.Insert(ctx, nil, rec)
		cancel()
		if err == nil || errors.Is(err, ErrDuplicateRecord) {
			return
		}
		if errors.Is(err, ErrInvalidRecord) {
			break
		}
		if attempt < MaxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	s.logger.Warn("audit record dropped after retries",
		slog.String("record_id", rec.ID.String()),
		slog.String("module", rec.Module.String()),
		slog.String("action", rec.Action.String()),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int("attempts", MaxAttempts),
		slog.Any("error", err))
	if s.onDrop != nil {
		s.onDrop(rec, err)
	}
}
