package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skyrem/backoffice/internal/audit"
	"github.com/skyrem/backoffice/internal/platform/httpx"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

// ActivityService exposes the read side of the activity log.
type ActivityService interface {
	List(ctx context.Context, q shared.PageQuery, f audit.Filters) (audit.ListResult, error)
	Get(ctx context.Context, id int64) (audit.Entry, error)
	Export(ctx context.Context, f audit.Filters) ([]audit.Entry, error)
}

// Handler serves the activity log pages.
type Handler struct {
	logger    *slog.Logger
	service   ActivityService
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
	now       func() time.Time
}

// NewHandler constructs the activity log handler.
func NewHandler(logger *slog.Logger, service ActivityService, templates *view.Engine, csrf *shared.CSRFManager, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, rbac: rbac, now: time.Now}
}

// ListView feeds the activity listing page.
type ListView struct {
	Result audit.ListResult
	Query  shared.PageQuery
	Errors map[string]string
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := shared.ParsePageQuery(r.URL.Query(), audit.SortColumns, audit.FilterKeys)
	filters, err := audit.FiltersFromQuery(q, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		h.render(w, r, "pages/activity/list.html", ListView{Query: q, Errors: shared.FieldErrors(err)}, http.StatusUnprocessableEntity)
		return
	}
	result, err := h.service.List(r.Context(), q, filters)
	if err != nil {
		h.logger.Error("list activity failed", slog.Any("error", err))
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		h.render(w, r, "pages/activity/list.html", ListView{Query: q, Errors: map[string]string{"general": shared.UserSafeMessage(err)}}, http.StatusInternalServerError)
		return
	}
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"data": result.Entries, "meta": result.Pagination})
		return
	}
	h.render(w, r, "pages/activity/list.html", ListView{Result: result, Query: q, Errors: map[string]string{}}, http.StatusOK)
}

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("load activity failed", slog.Int64("id", id), slog.Any("error", err))
		}
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		http.Error(w, shared.UserSafeMessage(err), httpx.StatusFor(err))
		return
	}
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"data": entry})
		return
	}
	h.render(w, r, "pages/activity/show.html", entry, http.StatusOK)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := shared.ParsePageQuery(r.URL.Query(), audit.SortColumns, audit.FilterKeys)
	filters, err := audit.FiltersFromQuery(q, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export activity failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	body, err := audit.WriteCSV(entries)
	if err != nil {
		h.logger.Error("encode activity csv", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	filename := fmt.Sprintf("activity-log-%s.csv", h.now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Activity Log",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Query:       r.URL.Query(),
		Layout:      view.LayoutFromContext(r.Context()),
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}
