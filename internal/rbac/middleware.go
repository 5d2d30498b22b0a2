package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/shared"
)

type decisionContextKey struct{}

// ContextWithDecision stores the gate decision for downstream handlers.
func ContextWithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

// DecisionFromContext returns the decision made for the current request.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}

// Authorizer is the contract the middleware needs from the gate.
type Authorizer interface {
	Authorize(ctx context.Context, principalID int64, module Module, action Action) (Decision, error)
}

// Middleware wires the authorization gate into HTTP handlers.
type Middleware struct {
	Gate   Authorizer
	Logger *slog.Logger
}

// Require runs the gate for module/action before the handler. Denials are
// answered with RFC7807 problems: 401 for unauthenticated, 403 for inactive
// and missing rules, 500 when the principal store failed.
func (m Middleware) Require(module Module, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID := shared.PrincipalIDFromContext(r.Context())
			d, err := m.Gate.Authorize(r.Context(), principalID, module, action)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require", slog.String("module", module.String()), slog.String("action", action.String()), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !d.Allowed {
				WriteDenial(w, d)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithDecision(r.Context(), d)))
		})
	}
}

// WriteDenial renders a denied decision.
func WriteDenial(w http.ResponseWriter, d Decision) {
	switch d.Reason {
	case ReasonUnauthenticated:
		httpx.Denied(w, http.StatusUnauthorized, string(d.Reason), "authentication required")
	case ReasonInactive:
		httpx.Denied(w, http.StatusForbidden, string(d.Reason), "account is deactivated")
	case ReasonLookupFailed:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		httpx.Denied(w, http.StatusForbidden, string(d.Reason), d.Role.String()+" may not "+d.Action.String()+" "+d.Module.String())
	}
}

// RespondError maps authorization sentinels to problems and defers
// everything else to httpx.RespondError.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		httpx.Denied(w, http.StatusUnauthorized, string(ReasonUnauthenticated), "authentication required")
	case errors.Is(err, ErrInactivePrincipal):
		httpx.Denied(w, http.StatusForbidden, string(ReasonInactive), "account is deactivated")
	case errors.Is(err, ErrPermissionDenied):
		httpx.Denied(w, http.StatusForbidden, string(ReasonNoRule), err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
