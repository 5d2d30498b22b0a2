package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reason explains an authorization outcome.
type Reason string

const (
	ReasonGranted         Reason = "granted"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonInactive        Reason = "inactive"
	ReasonNoRule          Reason = "no_rule"
	// ReasonLookupFailed marks decisions denied because the principal store
	// could not be read.
	ReasonLookupFailed Reason = "lookup_failed"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	PrincipalID   int64     `json:"principal_id"`
	Role          Role      `json:"role,omitempty"`
	Module        Module    `json:"module"`
	Action        Action    `json:"action"`
	Allowed       bool      `json:"allowed"`
	Reason        Reason    `json:"reason"`
	PolicyVersion uint64    `json:"policy_version"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Err maps a denial to its sentinel error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonUnauthenticated:
		return ErrUnauthenticated
	case ReasonInactive:
		return ErrInactivePrincipal
	case ReasonNoRule:
		return fmt.Errorf("%w: %s cannot %s %s", ErrPermissionDenied, d.Role, d.Action, d.Module)
	default:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
	}
}

// Require checks that the decision allows exactly module/action.
func (d Decision) Require(module Module, action Action) error {
	if d.Module != module || d.Action != action {
		return fmt.Errorf("%w: have %s/%s, need %s/%s", ErrDecisionMismatch, d.Module, d.Action, module, action)
	}
	return d.Err()
}

// PrincipalStore resolves principals for the gate.
type PrincipalStore interface {
	LookupPrincipal(ctx context.Context, id int64) (Principal, error)
}

// Observer receives every decision the gate makes.
type Observer interface {
	ObserveDecision(ctx context.Context, d Decision)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, d Decision)

// ObserveDecision implements Observer.
func (f ObserverFunc) ObserveDecision(ctx context.Context, d Decision) { f(ctx, d) }

// Gate authorizes a principal for a module action.
type Gate struct {
	principals PrincipalStore
	registry   *Registry
	observers  []Observer
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate constructs a Gate.
func NewGate(principals PrincipalStore, registry *Registry, logger *slog.Logger, observers ...Observer) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{principals: principals, registry: registry, observers: observers, logger: logger, now: time.Now}
}

// Authorize decides whether principalID may perform action on module. The
// returned error is non-nil only when the principal store failed; the
// decision is a denial in that case. Checks run in order: unknown principal,
// inactive principal, rule lookup.
func (g *Gate) Authorize(ctx context.Context, principalID int64, module Module, action Action) (Decision, error) {
	table := g.registry.Current()
	d := Decision{
		PrincipalID:   principalID,
		Module:        module,
		Action:        action,
		PolicyVersion: snapshotOf(table).Version,
		DecidedAt:     g.now().UTC(),
	}

	var lookupErr error
	switch {
	case principalID <= 0:
		d.Reason = ReasonUnauthenticated
	default:
		p, err := g.principals.LookupPrincipal(ctx, principalID)
		switch {
		case errors.Is(err, ErrPrincipalNotFound):
			d.Reason = ReasonUnauthenticated
		case err != nil:
			d.Reason = ReasonLookupFailed
			lookupErr = fmt.Errorf("rbac: lookup principal %d: %w", principalID, err)
		case !p.Role.Valid():
			d.Reason = ReasonLookupFailed
			lookupErr = fmt.Errorf("rbac: principal %d: %w", principalID, ErrUnknownRole)
		default:
			d.Role = p.Role
			if !p.Active {
				d.Reason = ReasonInactive
			} else if table.Allows(p.Role, module, action) {
				d.Allowed = true
				d.Reason = ReasonGranted
			} else {
				d.Reason = ReasonNoRule
			}
		}
	}

	if lookupErr != nil {
		g.logger.Error("rbac authorize", slog.Int64("principal_id", principalID), slog.Any("error", lookupErr))
	}
	for _, o := range g.observers {
		if o != nil {
			o.ObserveDecision(ctx, d)
		}
	}
	return d, lookupErr
}
