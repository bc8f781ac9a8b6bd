package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

const (
	invalidCredentialsMessage = "These credentials do not match our records."
	throttledMessage          = "Too many login attempts. Please try again in a minute."

	loginAttempts = 5
	loginWindow   = time.Minute
)

// Handler serves the sign-in and sign-out endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	sessions  *shared.SessionManager
	csrf      *shared.CSRFManager
	validate  *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		templates: templates,
		sessions:  sessions,
		csrf:      csrf,
		validate:  validator.New(),
	}
}

// MountRoutes registers GET/POST /login and POST /logout. Login posts are
// throttled per client address and email.
func (h *Handler) MountRoutes(r chi.Router) {
	throttle := httprate.Limit(loginAttempts, loginWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP, func(r *http.Request) (string, error) {
			return strings.ToLower(strings.TrimSpace(r.PostFormValue("email"))), nil
		}),
		httprate.WithLimitHandler(h.throttled),
	)
	r.Get("/login", h.showLogin)
	r.With(throttle).Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	if _, ok := shared.SessionFromContext(r.Context()).UserID(); ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, loginPageData{Errors: map[string]string{}}, http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	if errs := shared.FieldErrors(shared.ValidateStruct(h.validate, form)); len(errs) > 0 {
		h.rejectLogin(w, r, form, errs)
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.ErrorContext(r.Context(), "login without session")
		h.rejectLogin(w, r, form, map[string]string{"general": invalidCredentialsMessage})
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	switch {
	case errors.Is(err, shared.ErrInvalidCredentials):
		h.rejectLogin(w, r, form, map[string]string{"general": invalidCredentialsMessage})
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "login lookup failed", slog.Any("error", err))
		h.rejectLogin(w, r, form, map[string]string{"general": shared.UserSafeMessage(err)})
		return
	}

	h.signIn(r, sess, user)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// signIn rotates the session id and binds it to user.
func (h *Handler) signIn(r *http.Request, sess *shared.Session, user *User) {
	sess.Regenerate()
	sess.Delete(shared.CSRFSessionKey)
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back, " + user.Name + "."})

	expiresAt := time.Now().Add(h.sessions.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.WarnContext(r.Context(), "register session", slog.Any("error", err))
	}
	h.logger.InfoContext(r.Context(), "user signed in", slog.Int64("user_id", user.ID))
}

func (h *Handler) rejectLogin(w http.ResponseWriter, r *http.Request, form loginForm, errs map[string]string) {
	form.Password = ""
	h.renderLogin(w, r, loginPageData{Form: form, Errors: errs}, http.StatusUnprocessableEntity)
}

func (h *Handler) throttled(w http.ResponseWriter, r *http.Request) {
	h.logger.WarnContext(r.Context(), "login throttled", slog.String("remote", r.RemoteAddr))
	form := loginForm{Email: strings.TrimSpace(r.PostFormValue("email"))}
	h.renderLogin(w, r, loginPageData{Form: form, Errors: map[string]string{"general": throttledMessage}}, http.StatusTooManyRequests)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.WarnContext(r.Context(), "remove session", slog.Any("error", err))
		}
		h.sessions.Destroy(sess)
	}
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, data loginPageData, status int) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrf.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.WarnContext(r.Context(), "csrf token", slog.Any("error", err))
	}
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err = h.templates.Render(w, "pages/login.html", view.TemplateData{
		Title:       "Sign in",
		CSRFToken:   token,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "render login", slog.Any("error", err))
	}
}
