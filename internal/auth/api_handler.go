package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// APIHandler serves token endpoints for REST clients.
type APIHandler struct {
	logger    *slog.Logger
	service   *Service
	tokens    *TokenIssuer
	validator *validator.Validate
}

// NewAPIHandler constructs an APIHandler.
func NewAPIHandler(logger *slog.Logger, service *Service, tokens *TokenIssuer) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{logger: logger, service: service, tokens: tokens, validator: validator.New()}
}

// MountRoutes registers token routes.
func (h *APIHandler) MountRoutes(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Get("/me", h.me)
}

func (h *APIHandler) login(w http.ResponseWriter, r *http.Request) {
	form, ok := decodeLogin(w, r, h.validator)
	if !ok {
		return
	}
	acc, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	if err != nil {
		respondLoginError(w, h.logger, err)
		return
	}
	pair, err := h.tokens.Issue(acc.ID)
	if err != nil {
		h.logger.Error("issue tokens", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.service.RecordTokenLogin(r.Context(), acc)
	httpx.JSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// refresh re-checks the account so a deactivated principal cannot extend
// its access.
func (h *APIHandler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validator.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "refresh_token is required")
		return
	}
	claims, err := h.tokens.Parse(req.RefreshToken, TokenRefresh)
	if err != nil {
		httpx.Denied(w, http.StatusUnauthorized, string(rbac.ReasonUnauthenticated), "invalid refresh token")
		return
	}
	id, err := claims.PrincipalID()
	if err != nil {
		httpx.Denied(w, http.StatusUnauthorized, string(rbac.ReasonUnauthenticated), "invalid refresh token")
		return
	}
	acc, err := h.service.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Denied(w, http.StatusUnauthorized, string(rbac.ReasonUnauthenticated), "unknown principal")
			return
		}
		h.logger.Error("refresh lookup", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !acc.Active {
		httpx.Denied(w, http.StatusForbidden, string(rbac.ReasonInactive), "account is deactivated")
		return
	}
	pair, err := h.tokens.Issue(acc.ID)
	if err != nil {
		h.logger.Error("issue tokens", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, pair)
}

func (h *APIHandler) me(w http.ResponseWriter, r *http.Request) {
	id := shared.PrincipalIDFromContext(r.Context())
	if id <= 0 {
		httpx.Denied(w, http.StatusUnauthorized, string(rbac.ReasonUnauthenticated), "authentication required")
		return
	}
	acc, err := h.service.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Denied(w, http.StatusUnauthorized, string(rbac.ReasonUnauthenticated), "unknown principal")
			return
		}
		h.logger.Error("load account", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !acc.Active {
		httpx.Denied(w, http.StatusForbidden, string(rbac.ReasonInactive), "account is deactivated")
		return
	}
	httpx.JSON(w, http.StatusOK, acc)
}
