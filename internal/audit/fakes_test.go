package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/rbac"
)

// memDB meniru pool Postgres: baris hanya terlihat setelah commit.
type memDB struct {
	mu        sync.Mutex
	records   []Record
	rows      []string
	insertErr error
	beginErr  error
	attempts  int
	failFirst int
	txs       []*fakeTx
}

func (m *memDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	tx := &fakeTx{db: m}
	m.mu.Lock()
	m.txs = append(m.txs, tx)
	m.mu.Unlock()
	return tx, nil
}

func (m *memDB) Insert(ctx context.Context, q db.Querier, rec Record) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()
	if attempt <= m.failFirst {
		return errTransient
	}
	if m.insertErr != nil {
		return m.insertErr
	}
	if err := rec.validate(); err != nil {
		return err
	}
	if tx, ok := q.(*fakeTx); ok {
		tx.pendingRecords = append(tx.pendingRecords, rec)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memDB) committedRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *memDB) committedRows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rows...)
}

func (m *memDB) insertAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type fakeTx struct {
	pgx.Tx
	db             *memDB
	execs          []string
	pendingRows    []string
	pendingRecords []Record
	committed      bool
	rolledBack     bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if strings.HasPrefix(strings.TrimSpace(sql), "INSERT") || strings.HasPrefix(strings.TrimSpace(sql), "UPDATE") {
		f.pendingRows = append(f.pendingRows, sql)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.rows = append(f.db.rows, f.pendingRows...)
	f.db.records = append(f.db.records, f.pendingRecords...)
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type captureSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (c *captureSink) Submit(ctx context.Context, rec Record) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) submitted() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func allowedDecision(module rbac.Module, action rbac.Action) rbac.Decision {
	return rbac.Decision{
		PrincipalID:   2,
		Role:          rbac.RolePhysician,
		Module:        module,
		Action:        action,
		Allowed:       true,
		Reason:        rbac.ReasonGranted,
		PolicyVersion: 3,
	}
}

func deniedDecision(module rbac.Module, action rbac.Action, reason rbac.Reason) rbac.Decision {
	d := allowedDecision(module, action)
	d.Allowed = false
	d.Reason = reason
	return d
}
