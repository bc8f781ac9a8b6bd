package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skyrem/backoffice/internal/platform/httpx"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

// RoleLister provides the role choices of the user form.
type RoleLister interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
}

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	roles     RoleLister
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, roles RoleLister, templates *view.Engine, csrf *shared.CSRFManager, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, roles: roles, templates: templates, csrf: csrf, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAbility(shared.AbilityViewAny, rbac.KindUser)).Get("/", h.listUsers)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAbility(shared.AbilityCreate, rbac.KindUser))
		r.Get("/new", h.showCreateUserForm)
		r.Post("/", h.createUser)
	})
	r.With(h.rbac.RequireAbility(shared.AbilityView, rbac.KindUser)).Get("/{id}", h.showUser)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAbility(shared.AbilityUpdate, rbac.KindUser))
		r.Get("/{id}/edit", h.showEditUserForm)
		r.Post("/{id}", h.updateUser)
	})
	r.Post("/{id}/delete", h.deleteUser)
}

type formErrors map[string]string

// FormView feeds the create and edit forms.
type FormView struct {
	User        User
	Roles       []rbac.Role
	SelectedIDs []int64
	Errors      formErrors
	IsEdit      bool
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := shared.ParsePageQuery(r.URL.Query(), SortColumns, FilterKeys)
	result, err := h.service.ListUsers(r.Context(), q)
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		h.render(w, r, "pages/users/list.html", map[string]any{"Errors": formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusInternalServerError)
		return
	}
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"data": result.Users, "meta": result.Pagination})
		return
	}
	roles, err := h.roles.ListRoles(r.Context())
	if err != nil {
		h.logger.Warn("list role filter options", slog.Any("error", err))
	}
	h.render(w, r, "pages/users/list.html", map[string]any{"Result": result, "Query": q, "Roles": roles}, http.StatusOK)
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"data": user})
		return
	}
	h.render(w, r, "pages/users/show.html", map[string]any{"User": user}, http.StatusOK)
}

func (h *Handler) showCreateUserForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.formView(r.Context(), User{}, nil, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "pages/users/form.html", form, http.StatusOK)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	in := CreateInput{
		Name:    r.PostFormValue("name"),
		Email:   r.PostFormValue("email"),
		RoleIDs: formRoleIDs(r),
	}
	if len(in.RoleIDs) > 0 && !h.canAssignRoles(w, r) {
		return
	}
	user, err := h.service.CreateUser(r.Context(), in)
	if err != nil {
		h.rerender(w, r, User{Name: in.Name, Email: in.Email}, in.RoleIDs, err, false)
		return
	}
	h.redirectWithFlash(w, r, "/users/"+strconv.FormatInt(user.ID, 10), "success", "User created. A welcome email with the password is on its way.")
}

func (h *Handler) showEditUserForm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	form, err := h.formView(r.Context(), user, user.RoleIDs(), nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	form.IsEdit = true
	h.render(w, r, "pages/users/form.html", form, http.StatusOK)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	in := UpdateInput{
		Name:     r.PostFormValue("name"),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	if _, present := r.PostForm["roles_present"]; present {
		in.RoleIDs = formRoleIDs(r)
		if !h.canAssignRoles(w, r) {
			return
		}
	}
	user, err := h.service.UpdateUser(r.Context(), id, in)
	if err != nil {
		h.rerender(w, r, User{ID: id, Name: in.Name, Email: in.Email}, in.RoleIDs, err, true)
		return
	}
	h.redirectWithFlash(w, r, "/users/"+strconv.FormatInt(user.ID, 10), "success", "User updated.")
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	principal, ok := rbac.PrincipalFromRequest(r)
	if !ok {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	if err := h.rbac.Engine.Authorize(r.Context(), principal, shared.AbilityDelete, rbac.UserResource(id)); err != nil {
		if errors.Is(err, shared.ErrSelfAction) {
			h.redirectWithFlash(w, r, "/users", "error", shared.UserSafeMessage(err))
			return
		}
		if !errors.Is(err, shared.ErrForbidden) {
			h.logger.Error("authorize user delete", slog.Int64("user_id", id), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrSelfAction) {
			h.logger.Error("delete user failed", slog.Int64("user_id", id), slog.Any("error", err))
		}
		h.redirectWithFlash(w, r, "/users", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/users", "success", "User deleted.")
}

// canAssignRoles writes a 403 unless the actor is a superadmin.
func (h *Handler) canAssignRoles(w http.ResponseWriter, r *http.Request) bool {
	principal, ok := rbac.PrincipalFromRequest(r)
	if !ok {
		httpx.RespondError(w, shared.ErrForbidden)
		return false
	}
	if err := h.rbac.Engine.Authorize(r.Context(), principal, shared.AbilityAccessSuperadmin, rbac.Resource{}); err != nil {
		if !errors.Is(err, shared.ErrForbidden) {
			h.logger.Error("authorize role assignment", slog.Int64("actor_id", principal.UserID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) rerender(w http.ResponseWriter, r *http.Request, user User, rawRoleIDs []string, err error, edit bool) {
	fields := shared.FieldErrors(err)
	if fields == nil {
		h.fail(w, r, err)
		return
	}
	form, ferr := h.formView(r.Context(), user, rbac.CoercePermissionIDs(rawRoleIDs), fields)
	if ferr != nil {
		h.fail(w, r, ferr)
		return
	}
	form.IsEdit = edit
	h.render(w, r, "pages/users/form.html", form, http.StatusUnprocessableEntity)
}

func (h *Handler) formView(ctx context.Context, user User, selected []int64, errs formErrors) (FormView, error) {
	roles, err := h.roles.ListRoles(ctx)
	if err != nil {
		return FormView{}, err
	}
	if errs == nil {
		errs = formErrors{}
	}
	return FormView{User: user, Roles: roles, SelectedIDs: selected, Errors: errs}, nil
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (User, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return User{}, false
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return User{}, false
	}
	return user, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, shared.ErrNotFound) {
		h.logger.Error("user request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	if httpx.WantsJSON(r) {
		httpx.RespondError(w, err)
		return
	}
	http.Error(w, shared.UserSafeMessage(err), httpx.StatusFor(err))
}

func formRoleIDs(r *http.Request) []string {
	ids := make([]string, 0)
	for _, key := range []string{"roles", "roles[]", "role"} {
		for _, v := range r.PostForm[key] {
			if v = strings.TrimSpace(v); v != "" {
				ids = append(ids, v)
			}
		}
	}
	return ids
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Users",
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
