package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type ruleKey struct {
	role   Role
	module Module
	action Action
}

// Table is an immutable, fully expanded permission table. Only allowed
// triples are stored; every other triple is denied.
type Table struct {
	allowed  map[ruleKey]struct{}
	version  uint64
	checksum string
	origin   string
	loadedAt time.Time
}

// Allows reports whether the table grants action on module to role.
func (t *Table) Allows(role Role, module Module, action Action) bool {
	if t == nil || !module.Gated() || !module.Supports(action) {
		return false
	}
	_, ok := t.allowed[ruleKey{role: role, module: module, action: action}]
	return ok
}

// Len returns the number of allowed triples.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.allowed)
}

// Checksum returns the sha256 of the source document.
func (t *Table) Checksum() string {
	if t == nil {
		return ""
	}
	return t.checksum
}

// Grant lists the actions a role holds on one module.
type Grant struct {
	Module  Module   `json:"module"`
	Actions []Action `json:"actions"`
}

// RoleGrants lists every grant held by a role.
type RoleGrants struct {
	Role   Role    `json:"role"`
	Grants []Grant `json:"grants"`
}

// Matrix returns the allow set grouped by role and module, in declaration
// order. Roles with no grants are included with an empty list.
func (t *Table) Matrix() []RoleGrants {
	out := make([]RoleGrants, 0, len(Roles()))
	for _, role := range Roles() {
		rg := RoleGrants{Role: role, Grants: []Grant{}}
		for _, module := range Modules() {
			var actions []Action
			for _, action := range module.Actions() {
				if t.Allows(role, module, action) {
					actions = append(actions, action)
				}
			}
			if len(actions) > 0 {
				sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
				rg.Grants = append(rg.Grants, Grant{Module: module, Actions: actions})
			}
		}
		out = append(out, rg)
	}
	return out
}

// Snapshot describes the table currently served by a Registry.
type Snapshot struct {
	Version  uint64    `json:"version"`
	Checksum string    `json:"checksum"`
	Origin   string    `json:"origin"`
	Rules    int       `json:"rules"`
	LoadedAt time.Time `json:"loaded_at"`
	Changed  bool      `json:"changed"`
}

// ReloadObserver is notified after every reload attempt.
type ReloadObserver interface {
	ObserveReload(snapshot Snapshot, err error)
}

// ErrNoPolicySource is returned by Reload when the registry has no source.
var ErrNoPolicySource = errors.New("rbac: policy source not configured")

// Registry serves the active permission table. Readers load the table through
// an atomic pointer and never block; reloads compile a new table and swap it
// in whole.
type Registry struct {
	table     atomic.Pointer[Table]
	version   atomic.Uint64
	source    PolicySource
	group     singleflight.Group
	logger    *slog.Logger
	observers []ReloadObserver
	now       func() time.Time
}

// NewRegistry constructs an empty Registry. Until the first successful load
// every check is denied.
func NewRegistry(source PolicySource, logger *slog.Logger, observers ...ReloadObserver) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{source: source, logger: logger, observers: observers, now: time.Now}
}

// IsAllowed is the pure default-deny lookup against the current table.
func (r *Registry) IsAllowed(role Role, module Module, action Action) bool {
	if r == nil {
		return false
	}
	return r.table.Load().Allows(role, module, action)
}

// Current returns the table in use. The result must not be modified.
func (r *Registry) Current() *Table {
	if r == nil {
		return nil
	}
	return r.table.Load()
}

// Snapshot describes the table in use.
func (r *Registry) Snapshot() Snapshot {
	return snapshotOf(r.Current())
}

// Swap installs a copy of t as the active table and returns its snapshot.
// t itself is never modified, so a table already served elsewhere may be
// passed back in.
func (r *Registry) Swap(t *Table) Snapshot {
	if t == nil {
		return r.Snapshot()
	}
	next := *t
	next.version = r.version.Add(1)
	next.loadedAt = r.now().UTC()
	r.table.Store(&next)
	snap := snapshotOf(&next)
	snap.Changed = true
	return snap
}

// Reload reads the policy source, compiles it and swaps it in. A failed load
// leaves the current table untouched. Concurrent callers share one load.
func (r *Registry) Reload(ctx context.Context) (Snapshot, error) {
	if r.source == nil {
		return r.Snapshot(), ErrNoPolicySource
	}
	ch := r.group.DoChan("reload", func() (any, error) {
		return r.reload(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	}
}

func (r *Registry) reload(ctx context.Context) (Snapshot, error) {
	data, origin, err := r.source.Load(ctx)
	if err == nil {
		var table *Table
		table, err = CompilePolicy(data)
		if err == nil {
			table.origin = origin
			snap := r.install(table)
			r.notify(snap, nil)
			return snap, nil
		}
	}
	current := r.Snapshot()
	r.logger.Error("rbac policy reload failed, keeping current table",
		slog.Uint64("version", current.Version),
		slog.Any("error", err))
	r.notify(current, err)
	return current, err
}

func (r *Registry) install(table *Table) Snapshot {
	if current := r.Current(); current != nil && current.checksum == table.checksum {
		return snapshotOf(current)
	}
	snap := r.Swap(table)
	r.logger.Info("rbac policy loaded",
		slog.Uint64("version", snap.Version),
		slog.String("origin", snap.Origin),
		slog.Int("rules", snap.Rules),
		slog.String("checksum", snap.Checksum))
	return snap
}

func (r *Registry) notify(snap Snapshot, err error) {
	for _, o := range r.observers {
		if o != nil {
			o.ObserveReload(snap, err)
		}
	}
}

func snapshotOf(t *Table) Snapshot {
	if t == nil {
		return Snapshot{}
	}
	return Snapshot{
		Version:  t.version,
		Checksum: t.checksum,
		Origin:   t.origin,
		Rules:    len(t.allowed),
		LoadedAt: t.loadedAt,
	}
}
