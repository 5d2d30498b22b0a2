package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/phc-his/his/internal/platform/httpx"
)

// PolicyRegistry is the registry surface the permissions handler needs.
type PolicyRegistry interface {
	Current() *Table
	Snapshot() Snapshot
	Reload(ctx context.Context) (Snapshot, error)
}

// PermissionsHandler exposes the active permission matrix.
type PermissionsHandler struct {
	logger   *slog.Logger
	registry PolicyRegistry
	rbac     Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, registry PolicyRegistry, rbac Middleware) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, registry: registry, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(ModuleAdministration, ActionView)).Get("/", h.listPermissions)
	r.With(h.rbac.Require(ModuleAdministration, ActionAdmin)).Post("/reload", h.reload)
}

type roleView struct {
	Role        Role    `json:"role"`
	DisplayName string  `json:"display_name"`
	Grants      []Grant `json:"grants"`
}

type permissionsResponse struct {
	Policy Snapshot   `json:"policy"`
	Roles  []roleView `json:"roles"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	table := h.registry.Current()
	matrix := table.Matrix()
	title := cases.Title(language.English)
	roles := make([]roleView, 0, len(matrix))
	for _, rg := range matrix {
		roles = append(roles, roleView{Role: rg.Role, DisplayName: DisplayName(title, rg.Role), Grants: rg.Grants})
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{Policy: snapshotOf(table), Roles: roles})
}

func (h *PermissionsHandler) reload(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Reload(r.Context())
	if err != nil {
		h.logger.Warn("manual policy reload rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Policy Rejected", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

// DisplayName renders a role for people, e.g. "Facility Head". Casers are
// stateful, so callers pass one they own.
func DisplayName(title cases.Caser, role Role) string {
	return title.String(strings.ReplaceAll(role.String(), "_", " "))
}
