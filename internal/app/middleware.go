package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/skyrem/backoffice/internal/observability"
	"github.com/skyrem/backoffice/internal/platform/httpx"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
	"github.com/skyrem/backoffice/internal/view"
)

// AccountLookup resolves the signed-in account for the layout.
type AccountLookup interface {
	GetUser(ctx context.Context, id int64) (users.User, error)
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics
	Engine         *rbac.Engine
	Accounts       AccountLookup
}

type responseWriterWithCommit struct {
	http.ResponseWriter
	sess          *shared.Session
	manager       *shared.SessionManager
	logger        *slog.Logger
	ctx           context.Context
	req           *http.Request
	headerWritten bool
}

func (w *responseWriterWithCommit) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.headerWritten = true
		if err := w.manager.Commit(w.ctx, w.ResponseWriter, w.req, w.sess); err != nil {
			w.logger.Error("commit session", slog.Any("error", err))
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWithCommit) Write(data []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

// navAbilities maps layout keys to the checks that show a navigation entry.
var navAbilities = map[string]struct{ ability, kind string }{
	"users.viewAny":      {shared.AbilityViewAny, rbac.KindUser},
	"users.create":       {shared.AbilityCreate, rbac.KindUser},
	"users.update":       {shared.AbilityUpdate, rbac.KindUser},
	"users.delete":       {shared.AbilityDelete, rbac.KindUser},
	"roles.manage":       {shared.AbilityViewAny, rbac.KindRole},
	"permissions.manage": {shared.AbilityViewAny, rbac.KindPermission},
	"activity.viewAny":   {shared.AbilityViewAny, rbac.KindActivity},
	"settings.manage":    {shared.AbilityManageSettings, rbac.KindSettings},
	"superadmin":         {shared.AbilityAccessSuperadmin, ""},
}

// MiddlewareStack installs the middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         cfg.Config == nil || !cfg.Config.IsProduction(),
	})

	sessionMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sess, err := cfg.SessionManager.Load(ctx, r)
			if err != nil {
				cfg.Logger.Error("failed to load session", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			ctx = shared.ContextWithSession(ctx, sess)
			wrapped := &responseWriterWithCommit{
				ResponseWriter: w,
				sess:           sess,
				manager:        cfg.SessionManager,
				logger:         cfg.Logger,
				ctx:            ctx,
				req:            r.WithContext(ctx),
			}
			next.ServeHTTP(wrapped, r.WithContext(ctx))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		sessionMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		cfg.CSRFManager.Protect(cfg.Logger),
		ActorMiddleware(cfg.Engine, cfg.Accounts, cfg.Logger),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// ActorMiddleware puts the session user into the request context and fills
// the layout with the account and its navigation abilities. Sessions that
// point at a deleted account are treated as anonymous.
func ActorMiddleware(engine *rbac.Engine, accounts AccountLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := shared.SessionFromContext(r.Context()).UserID()
			if !ok || accounts == nil {
				next.ServeHTTP(w, r)
				return
			}
			account, err := accounts.GetUser(r.Context(), id)
			if err != nil {
				if logger != nil {
					logger.Warn("session user not loaded", slog.Int64("user_id", id), slog.Any("error", err))
				}
				next.ServeHTTP(w, r)
				return
			}
			ctx := shared.ContextWithActor(r.Context(), id)
			layout := view.Layout{
				User: &view.CurrentUser{ID: account.ID, Name: account.Name, Email: account.Email, RoleLabel: account.CurrentRoleLabel()},
				Can:  map[string]bool{},
			}
			if engine != nil {
				principal := rbac.NewPrincipal(id)
				for key, check := range navAbilities {
					ok, err := engine.Can(ctx, principal, check.ability, rbac.KindOf(check.kind))
					if err != nil && logger != nil {
						logger.Error("layout ability lookup", slog.String("ability", check.ability), slog.Any("error", err))
					}
					layout.Can[key] = ok
				}
			}
			next.ServeHTTP(w, r.WithContext(view.WithLayout(ctx, layout)))
		})
	}
}

// RequireLogin redirects anonymous visitors to the sign-in page. JSON
// clients get a 401 problem instead.
func RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.ActorFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
	})
}
