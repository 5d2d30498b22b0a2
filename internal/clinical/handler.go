package clinical

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// NoteService is the handler's view of Service.
type NoteService interface {
	Get(ctx context.Context, d rbac.Decision, id int64) (Note, error)
	Create(ctx context.Context, d rbac.Decision, in NoteInput) (Note, error)
	Edit(ctx context.Context, d rbac.Decision, id int64, in EditInput) (Note, error)
	Sign(ctx context.Context, d rbac.Decision, id int64) (Note, error)
}

// Handler serves clinical note endpoints.
type Handler struct {
	logger  *slog.Logger
	service NoteService
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service NoteService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers note routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(rbac.ModuleClinical, rbac.ActionCreate)).Post("/", h.create)
	r.With(h.rbac.Require(rbac.ModuleClinical, rbac.ActionView)).Get("/{id}", h.get)
	r.With(h.rbac.Require(rbac.ModuleClinical, rbac.ActionEdit)).Put("/{id}", h.edit)
	r.With(h.rbac.Require(rbac.ModuleClinical, rbac.ActionApprove)).Post("/{id}/sign", h.sign)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in NoteInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	in.IdempotencyKey = r.Header.Get(shared.IdempotencyHeader)
	note, err := h.service.Create(r.Context(), decision(r), in)
	if err != nil {
		h.respondError(w, "create note", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, note)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	note, err := h.service.Get(r.Context(), decision(r), id)
	if err != nil {
		h.respondError(w, "get note", err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var in EditInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	note, err := h.service.Edit(r.Context(), decision(r), id, in)
	if err != nil {
		h.respondError(w, "edit note", err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	note, err := h.service.Sign(r.Context(), decision(r), id)
	if err != nil {
		h.respondError(w, "sign note", err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op+" failed", slog.Any("error", err))
	rbac.RespondError(w, err)
}

func decision(r *http.Request) rbac.Decision {
	d, _ := rbac.DecisionFromContext(r.Context())
	return d
}

func noteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid note id")
		return 0, false
	}
	return id, true
}
