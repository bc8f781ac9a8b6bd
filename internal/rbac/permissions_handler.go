package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

// PermissionsHandler manages permission screens.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	generator *Generator
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, generator *Generator, templates *view.Engine, csrf *shared.CSRFManager, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, service: service, generator: generator, templates: templates, csrf: csrf, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAbility(shared.AbilityViewAny, KindPermission)).Get("/", h.listPermissions)
	r.With(h.rbac.RequireAbility(shared.AbilityView, KindPermission)).Get("/{id}", h.showPermission)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAbility(shared.AbilityCreate, KindPermission))
		r.Post("/", h.createPermission)
		r.Post("/generate", h.generatePermissions)
	})
	r.With(h.rbac.RequireAbility(shared.AbilityDelete, KindPermission)).Post("/{id}/delete", h.deletePermission)
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	guard := strings.TrimSpace(r.URL.Query().Get("guard_name"))
	perms, err := h.service.ListPermissions(r.Context(), guard)
	if err != nil {
		h.logger.Error("list permissions failed", slog.Any("error", err))
		h.render(w, r, "pages/permissions/list.html", map[string]any{"Errors": map[string]string{"general": shared.UserSafeMessage(err)}}, http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/permissions/list.html", map[string]any{
		"Permissions":    perms,
		"Guard":          guard,
		"DefaultActions": strings.Join(DefaultActions, ","),
		"Errors":         map[string]string{},
	}, http.StatusOK)
}

func (h *PermissionsHandler) showPermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	perm, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			http.Error(w, shared.UserSafeMessage(err), http.StatusNotFound)
			return
		}
		h.logger.Error("get permission failed", slog.Int64("permission_id", id), slog.Any("error", err))
		http.Error(w, shared.UserSafeMessage(err), http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/permissions/show.html", map[string]any{"Permission": perm}, http.StatusOK)
}

func (h *PermissionsHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PostFormValue("name"))
	guard := strings.TrimSpace(r.PostFormValue("guard_name"))
	if _, err := h.service.CreatePermission(r.Context(), name, guard); err != nil {
		if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrDuplicate) {
			h.logger.Error("create permission failed", slog.Any("error", err))
		}
		h.redirectWithFlash(w, r, "/permissions", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/permissions", "success", "Permission created.")
}

func (h *PermissionsHandler) generatePermissions(w http.ResponseWriter, r *http.Request) {
	models := splitList(r.PostFormValue("models"))
	if len(models) == 0 {
		h.redirectWithFlash(w, r, "/permissions", "error", "Provide at least one model name.")
		return
	}
	actions := splitList(r.PostFormValue("actions"))
	force := r.PostFormValue("force") == "1"
	created, err := h.generator.GenerateForModels(r.Context(), models, actions, r.PostFormValue("guard_name"), force)
	if err != nil {
		h.logger.Error("generate permissions failed", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/permissions", "error", shared.UserSafeMessage(err))
		return
	}
	count := 0
	for _, names := range created {
		count += len(names)
	}
	h.redirectWithFlash(w, r, "/permissions", "success", "Generated "+strconv.Itoa(count)+" permission(s).")
}

func (h *PermissionsHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("delete permission failed", slog.Int64("permission_id", id), slog.Any("error", err))
		}
		h.redirectWithFlash(w, r, "/permissions", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/permissions", "success", "Permission deleted.")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *PermissionsHandler) render(w http.ResponseWriter, r *http.Request, template string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Permissions",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Layout:      view.LayoutFromContext(r.Context()),
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *PermissionsHandler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}
