package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phc-his/his/internal/audit"
	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
)

const (
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, d rbac.Decision, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, d rbac.Decision, filters audit.TimelineFilters) ([]audit.Record, error)
}

// Exporter writes audit timeline exports.
type Exporter interface {
	WriteCSV(rows []audit.Record) ([]byte, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger   *slog.Logger
	service  TimelineService
	exporter Exporter
	rbac     rbac.Middleware
	now      func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService, exporter Exporter, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		exporter: exporter,
		rbac:     rbac,
		now:      time.Now,
	}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	d, ok := rbac.DecisionFromContext(r.Context())
	if !ok {
		h.handleServerError(w, "audit timeline", errMissingDecision)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), d, filters)
	if err != nil {
		h.handleServiceError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	d, ok := rbac.DecisionFromContext(r.Context())
	if !ok {
		h.handleServerError(w, "audit export", errMissingDecision)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), d, filters)
	if err != nil {
		h.handleServiceError(w, "export audit timeline", err)
		return
	}
	csvBytes, err := h.exporter.WriteCSV(rows)
	if err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	toTime, dateOnly, err := parseDate(q.Get("to"), now)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "to"}
	}
	if dateOnly {
		toTime = toTime.Add(24 * time.Hour)
	}
	fromTime, _, err := parseDate(q.Get("from"), toTime.Add(-defaultDateRange))
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "from"}
	}
	if fromTime.After(toTime) {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}

	filters := audit.TimelineFilters{
		From:       fromTime,
		To:         toTime,
		TargetType: strings.TrimSpace(q.Get("target_type")),
		TargetID:   strings.TrimSpace(q.Get("target_id")),
	}
	if v := strings.TrimSpace(q.Get("principal_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return audit.TimelineFilters{}, validationError{field: "principal_id"}
		}
		filters.PrincipalID = id
	}
	if v := strings.TrimSpace(q.Get("module")); v != "" {
		if filters.Module, err = rbac.ParseModule(v); err != nil {
			return audit.TimelineFilters{}, validationError{field: "module"}
		}
	}
	if v := strings.TrimSpace(q.Get("action")); v != "" {
		if filters.Action, err = rbac.ParseAction(v); err != nil {
			return audit.TimelineFilters{}, validationError{field: "action"}
		}
	}
	if v := strings.TrimSpace(q.Get("outcome")); v != "" {
		switch outcome := audit.Outcome(strings.ToLower(v)); outcome {
		case audit.OutcomeAllowed, audit.OutcomeDenied:
			filters.Outcome = outcome
		default:
			return audit.TimelineFilters{}, validationError{field: "outcome"}
		}
	}
	if filters.Page, err = parsePositive(q.Get("page")); err != nil {
		return audit.TimelineFilters{}, validationError{field: "page"}
	}
	if filters.PageSize, err = parsePositive(q.Get("page_size")); err != nil {
		return audit.TimelineFilters{}, validationError{field: "page_size"}
	}
	return filters, nil
}

// parseDate accepts a calendar date or an RFC3339 instant and reports
// whether the value was a bare date.
func parseDate(raw string, fallback time.Time) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func parsePositive(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return n, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid filter: "+v.field)
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, rbac.ErrPermissionDenied) || errors.Is(err, rbac.ErrUnauthenticated) || errors.Is(err, rbac.ErrInactivePrincipal) {
		rbac.RespondError(w, err)
		return
	}
	h.handleServerError(w, message, err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}

var errMissingDecision = errors.New("audit: request reached handler without a gate decision")
