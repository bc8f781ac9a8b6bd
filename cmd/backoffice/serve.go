package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/skyrem/backoffice/internal/app"
	"github.com/skyrem/backoffice/internal/audit"
	audithttp "github.com/skyrem/backoffice/internal/audit/http"
	"github.com/skyrem/backoffice/internal/auth"
	"github.com/skyrem/backoffice/internal/mail"
	"github.com/skyrem/backoffice/internal/observability"
	"github.com/skyrem/backoffice/internal/platform/cache"
	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/roles"
	"github.com/skyrem/backoffice/internal/settings"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
	"github.com/skyrem/backoffice/internal/view"
	"github.com/skyrem/backoffice/jobs"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Start the HTTP server. It stops gracefully on SIGINT or SIGTERM.`,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.Database())
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "backoffice_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine(cfg.AppName)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	metrics := observability.NewMetrics()

	rbacStore := rbac.NewPGStore(pool)
	permissionCache := rbac.NewCache(redisClient, rbacStore, cfg.PermissionCacheTTL, metrics.Registerer(), logger)
	engine := rbac.NewEngine(permissionCache, rbac.DefaultGates(), metrics.Registerer(), logger)
	rbacMiddleware := rbac.Middleware{Engine: engine, Logger: logger}
	recorder := audit.NewRecorder(pool)
	rbacService := rbac.NewService(rbacStore, permissionCache, recorder, logger)
	generator := rbac.NewGenerator(rbacStore, permissionCache, logger)

	queue := jobs.NewClient(cfg.Queue())
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	composer, err := mail.NewComposer(cfg.AppName, cfg.AppURL)
	if err != nil {
		return err
	}
	mailer := mail.NewDispatcher(composer, queue, logger)

	authService := auth.NewService(auth.NewRepository(pool), metrics)
	authHandler := auth.NewHandler(logger, authService, templates, sessionManager, csrfManager)

	userService := users.NewService(users.NewRepository(pool), permissionCache, recorder, mailer, logger).WithSessions(sessionManager)
	usersHandler := users.NewHandler(logger, userService, rbacService, templates, csrfManager, rbacMiddleware)

	roleService := roles.NewService(roles.NewRepository(pool), rbacService)
	rolesHandler := roles.NewHandler(logger, roleService, templates, csrfManager, rbacMiddleware)
	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacService, generator, templates, csrfManager, rbacMiddleware)

	auditService := audit.NewService(audit.NewRepository(pool))
	auditHandler := audithttp.NewHandler(logger, auditService, templates, csrfManager, rbacMiddleware)

	settingsService := settings.NewService(settings.NewPGStore(pool), recorder, logger)
	settingsHandler := settings.NewHandler(logger, settingsService, templates, csrfManager, rbacMiddleware)

	inspector := asynq.NewInspector(cfg.Queue())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		RBACMiddleware:     rbacMiddleware,
		Accounts:           userService,
		Registration:       settingsService,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permissionsHandler,
		AuditHandler:       auditHandler,
		SettingsHandler:    settingsHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
		Checks: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return cache.Check(redisClient)(ctx, time.Second)
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
