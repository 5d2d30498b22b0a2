package principals

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
)

// StaffService is the handler's view of Service.
type StaffService interface {
	List(ctx context.Context, d rbac.Decision, filter ListFilter) (Page, error)
	Get(ctx context.Context, d rbac.Decision, id int64) (Staff, error)
	Provision(ctx context.Context, d rbac.Decision, in ProvisionInput) (Staff, error)
	ChangeRole(ctx context.Context, d rbac.Decision, id int64, role string) (Staff, error)
	Deactivate(ctx context.Context, d rbac.Decision, id int64) (Staff, error)
	Reactivate(ctx context.Context, d rbac.Decision, id int64) (Staff, error)
}

// Handler manages staff administration endpoints.
type Handler struct {
	logger  *slog.Logger
	service StaffService
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service StaffService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers staff routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleAdministration, rbac.ActionView))
		r.Get("/", h.listStaff)
		r.Get("/{id}", h.getStaff)
	})
	r.With(h.rbac.Require(rbac.ModuleAdministration, rbac.ActionCreate)).Post("/", h.provision)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleAdministration, rbac.ActionAdmin))
		r.Post("/{id}/role", h.changeRole)
		r.Post("/{id}/deactivate", h.deactivate)
		r.Post("/{id}/reactivate", h.reactivate)
	})
}

func (h *Handler) listStaff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{ActiveOnly: q.Get("active") == "true"}
	if v := q.Get("role"); v != "" {
		role, err := rbac.ParseRole(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		filter.Role = role
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	page, err := h.service.List(r.Context(), decision(r), filter)
	if err != nil {
		h.respondError(w, "list staff", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) getStaff(w http.ResponseWriter, r *http.Request) {
	id, ok := staffID(w, r)
	if !ok {
		return
	}
	staff, err := h.service.Get(r.Context(), decision(r), id)
	if err != nil {
		h.respondError(w, "get staff", err)
		return
	}
	httpx.JSON(w, http.StatusOK, staff)
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	var in ProvisionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	staff, err := h.service.Provision(r.Context(), decision(r), in)
	if err != nil {
		h.respondError(w, "provision staff", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, staff)
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := staffID(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	staff, err := h.service.ChangeRole(r.Context(), decision(r), id, req.Role)
	if err != nil {
		h.respondError(w, "change role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, staff)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "deactivate staff", h.service.Deactivate)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "reactivate staff", h.service.Reactivate)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, rbac.Decision, int64) (Staff, error)) {
	id, ok := staffID(w, r)
	if !ok {
		return
	}
	staff, err := fn(r.Context(), decision(r), id)
	if err != nil {
		h.respondError(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, staff)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op+" failed", slog.Any("error", err))
	rbac.RespondError(w, err)
}

func decision(r *http.Request) rbac.Decision {
	d, _ := rbac.DecisionFromContext(r.Context())
	return d
}

func staffID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid staff id")
		return 0, false
	}
	return id, true
}
