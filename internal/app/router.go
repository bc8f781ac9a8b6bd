package app

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	audithttp "github.com/skyrem/backoffice/internal/audit/http"
	"github.com/skyrem/backoffice/internal/auth"
	"github.com/skyrem/backoffice/internal/observability"
	"github.com/skyrem/backoffice/internal/platform/httpx"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/roles"
	"github.com/skyrem/backoffice/internal/settings"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
	"github.com/skyrem/backoffice/internal/view"
	"github.com/skyrem/backoffice/jobs"
	"github.com/skyrem/backoffice/web"
)

// RegistrationStatus reports whether self-service registration is open.
type RegistrationStatus interface {
	RegistrationEnabled(ctx context.Context) bool
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Templates          *view.Engine
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	RBACMiddleware     rbac.Middleware
	Accounts           AccountLookup
	Registration       RegistrationStatus
	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	RolesHandler       *roles.Handler
	PermissionsHandler *rbac.PermissionsHandler
	AuditHandler       *audithttp.Handler
	SettingsHandler    *settings.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	// Checks are probed by /healthz, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// NewRouter constructs the chi.Router with the back-office defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
		Engine:         params.RBACMiddleware.Engine,
		Accounts:       params.Accounts,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", healthHandler(params.Checks, params.Logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		page, title := "pages/home.html", "Dashboard"
		if _, ok := shared.ActorFromContext(r.Context()); !ok {
			page, title = "pages/landing.html", "Welcome"
		}
		registration := true
		if params.Registration != nil {
			registration = params.Registration.RegistrationEnabled(r.Context())
		}
		renderPage(w, r, params, page, title, map[string]any{
			"AppEnv":              params.Config.AppEnv,
			"RegistrationEnabled": registration,
		})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(httprate.Limit(20, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Too many sign-in attempts. Please wait a minute.", http.StatusTooManyRequests)
			}),
		))
		params.AuthHandler.MountRoutes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireLogin)
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/activity-logs", params.AuditHandler.MountRoutes)
		}
		if params.SettingsHandler != nil {
			r.Route("/settings", params.SettingsHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireAbility(shared.AbilityAccessSuperadmin, ""))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

func renderPage(w http.ResponseWriter, r *http.Request, params RouterParams, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := params.CSRFManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Layout:      view.LayoutFromContext(r.Context()),
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := params.Templates.Render(w, page, viewData); err != nil {
		params.Logger.Error("render page", slog.String("page", page), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func healthHandler(checks map[string]func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				healthy = false
				status[name] = "down"
				logger.Warn("health check failed", slog.String("dependency", name), slog.Any("error", err))
				continue
			}
			status[name] = "ok"
		}
		code, overall := http.StatusOK, "ok"
		if !healthy {
			code, overall = http.StatusServiceUnavailable, "degraded"
		}
		httpx.JSON(w, code, map[string]any{"status": overall, "checks": status})
	}
}

// staticCacheHandler caches static assets for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
