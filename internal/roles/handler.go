package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAbility(shared.AbilityViewAny, rbac.KindRole)).Get("/", h.listRoles)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAbility(shared.AbilityCreate, rbac.KindRole))
		r.Get("/new", h.showCreateForm)
		r.Post("/", h.createRole)
	})
	r.With(h.rbac.RequireAbility(shared.AbilityView, rbac.KindRole)).Get("/{id}", h.showRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAbility(shared.AbilityUpdate, rbac.KindRole))
		r.Get("/{id}/edit", h.showEditForm)
		r.Post("/{id}", h.updateRole)
	})
	r.With(h.rbac.RequireAbility(shared.AbilityDelete, rbac.KindRole)).Post("/{id}/delete", h.deleteRole)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	q := shared.ParsePageQuery(r.URL.Query(), SortColumns, FilterKeys)
	result, err := h.service.ListRoles(r.Context(), q)
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
		h.render(w, r, "pages/roles/list.html", map[string]any{"Errors": map[string]string{"general": shared.UserSafeMessage(err)}}, http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/roles/list.html", map[string]any{"Result": result, "Query": q}, http.StatusOK)
}

func (h *Handler) showRole(w http.ResponseWriter, r *http.Request) {
	role, ok := h.loadRole(w, r)
	if !ok {
		return
	}
	h.render(w, r, "pages/roles/show.html", map[string]any{"Role": role}, http.StatusOK)
}

func (h *Handler) showCreateForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.formView(r, rbac.Role{Guard: rbac.DefaultGuard}, nil, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "pages/roles/form.html", form, http.StatusOK)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	in, err := parseRoleForm(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.rerender(w, r, rbac.Role{Name: in.Name, Guard: in.Guard}, in, err, false)
		return
	}
	h.redirectWithFlash(w, r, "/roles/"+strconv.FormatInt(role.ID, 10), "success", "Role created.")
}

func (h *Handler) showEditForm(w http.ResponseWriter, r *http.Request) {
	role, ok := h.loadRole(w, r)
	if !ok {
		return
	}
	form, err := h.formView(r, role, permissionIDs(role), nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	form.IsEdit = true
	h.render(w, r, "pages/roles/form.html", form, http.StatusOK)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	in, err := parseRoleForm(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, in)
	if err != nil {
		h.rerender(w, r, rbac.Role{ID: id, Name: in.Name, Guard: in.Guard}, in, err, true)
		return
	}
	h.redirectWithFlash(w, r, "/roles/"+strconv.FormatInt(role.ID, 10), "success", "Role updated.")
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("delete role failed", slog.Int64("role_id", id), slog.Any("error", err))
		}
		h.redirectWithFlash(w, r, "/roles", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/roles", "success", "Role deleted.")
}

func (h *Handler) rerender(w http.ResponseWriter, r *http.Request, role rbac.Role, in rbac.RoleInput, err error, edit bool) {
	fields := shared.FieldErrors(err)
	if fields == nil {
		if !errors.Is(err, shared.ErrDuplicate) {
			h.fail(w, r, err)
			return
		}
		fields = map[string]string{"name": err.Error()}
	}
	form, ferr := h.formView(r, role, rbac.CoercePermissionIDs(in.PermissionIDs), fields)
	if ferr != nil {
		h.fail(w, r, ferr)
		return
	}
	form.IsEdit = edit
	form.SubmittedName = in.Name
	h.render(w, r, "pages/roles/form.html", form, http.StatusUnprocessableEntity)
}

func (h *Handler) formView(r *http.Request, role rbac.Role, selected []int64, errs map[string]string) (FormView, error) {
	perms, err := h.service.PermissionOptions(r.Context(), role.Guard)
	if err != nil {
		return FormView{}, err
	}
	if errs == nil {
		errs = map[string]string{}
	}
	return FormView{Role: role, Permissions: perms, SelectedIDs: selected, Errors: errs}, nil
}

func (h *Handler) loadRole(w http.ResponseWriter, r *http.Request) (rbac.Role, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return rbac.Role{}, false
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return rbac.Role{}, false
	}
	return role, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		http.Error(w, shared.UserSafeMessage(err), http.StatusNotFound)
		return
	}
	h.logger.Error("role request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	http.Error(w, shared.UserSafeMessage(err), http.StatusInternalServerError)
}

func parseRoleForm(r *http.Request) (rbac.RoleInput, error) {
	if err := r.ParseForm(); err != nil {
		return rbac.RoleInput{}, err
	}
	ids := append([]string{}, r.PostForm["permissions"]...)
	ids = append(ids, r.PostForm["permissions[]"]...)
	return rbac.RoleInput{
		Name:          strings.TrimSpace(r.PostFormValue("name")),
		Guard:         strings.TrimSpace(r.PostFormValue("guard_name")),
		PermissionIDs: ids,
	}, nil
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Roles",
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

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}
