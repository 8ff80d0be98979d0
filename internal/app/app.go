package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mailreg/internal/config"
	apperrors "mailreg/internal/errors"
	"mailreg/internal/infrastructure"
	"mailreg/internal/license"
	customMiddleware "mailreg/internal/middleware"
	"mailreg/internal/services"
	handlers "mailreg/internal/transport/http"
	ws "mailreg/internal/websocket"
)

const (
	AppName = "mailreg license server"
	// AuditStreamPath serves the live audit stream.
	AuditStreamPath = "/ws/audit"
)

var (
	// Version and BuildTime are set at link time with -ldflags -X.
	Version   = "dev"
	BuildTime = ""
)

var _ license.Broadcaster = (*ws.Hub)(nil)

// ErrLicenseSurfaceDisabled is returned by Mount when no license manager
// was built, so host routes cannot be gated.
var ErrLicenseSurfaceDisabled = errors.New("client license surface disabled")

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Core          *Core
	WebSocketHub  *ws.Hub
	Services      *ServiceContainer
	ErrorHandler  *apperrors.ErrorHandler

	// Gate guards host routes added through Mount; nil without a manager.
	Gate *customMiddleware.LicenseGate

	hostRoutes chi.Router
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	// License is nil when the client license surface is disabled.
	License services.LicenseService
	Ledger  *services.LedgerService
	Health  *services.HealthService
}

// NewApplication loads configuration from the environment and builds the
// application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(ctx, cfg, logger)
}

// New builds the application from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("ledger_driver", cfg.Ledger.Driver))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  apperrors.NewErrorHandler(logger, customMiddleware.GetRequestID, cfg.Logging.Level == "debug"),
	}

	if err := a.initializeServices(ctx); err != nil {
		_ = otelProviders.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices initializes all application services
func (a *Application) initializeServices(ctx context.Context) error {
	a.WebSocketHub = ws.NewHub(a.Logger)

	core, err := BuildCore(ctx, a.Config, a.OTelProviders.Meter, a.Logger,
		license.BroadcastAuditSink{Target: a.WebSocketHub})
	if err != nil {
		return err
	}
	if err := core.Migrate(ctx); err != nil {
		core.Close()
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	a.Core = core

	var checker *license.LicenseHealthCheck
	a.Services = &ServiceContainer{Ledger: core.LedgerService}
	if core.Manager != nil {
		a.Services.License = services.NewLicenseService(core.Manager, a.Logger)
		checker = license.NewLicenseHealthCheck(core.Manager, a.Config.Ledger.QueryTimeout)
		a.Gate = customMiddleware.NewLicenseGate(a.Services.License, a.ErrorHandler, a.Logger)
	}
	a.Services.Health = services.NewHealthService(Version, BuildTime, core.LedgerService, checker, a.WebSocketHub, a.Logger)
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Safe ahead of the websocket upgrade: neither wraps the ResponseWriter
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	r.Handle(AuditStreamPath, ws.NewHandler(a.WebSocketHub, a.Config.WebSocket, a.Config.Security.AllowedOrigins, a.Logger))
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → guards
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
				ExposedHeaders: []string{customMiddleware.RequestIDHeader},
				Logger:         a.Logger,
			}))
		}
		if rl := a.Config.Security.RateLimit; rl.Enabled {
			r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.ErrorHandler, a.Logger).Handler)
		}
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		a.setupAPIRoutes(r)

		if a.Gate != nil {
			a.hostRoutes = r.With(a.Gate.Handler)
		}
	})

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	validator := customMiddleware.NewRequestValidator()

	healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
	r.Mount("/api/health", healthHandler.Routes())
	r.Get("/api/version", healthHandler.Version)

	if a.Services.License != nil {
		licenseHandler := handlers.NewLicenseHandler(a.Services.License, validator, a.ErrorHandler, a.Logger)
		licenseHandler.OnActivated(a.Gate.Invalidate)
		r.Mount("/api/license", licenseHandler.Routes())
	}

	ledgerHandler := handlers.NewLedgerHandler(a.Services.Ledger, validator, a.Config.Admin.CreatedBy, a.Logger)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.AdminToken(a.Config.Admin.Token, a.ErrorHandler, a.Logger))
		ledgerHandler.Register(r)
	})
}

// Mount attaches a host application handler behind the license gate. It
// must be called before Start.
func (a *Application) Mount(pattern string, h http.Handler) error {
	if a.hostRoutes == nil {
		return ErrLicenseSurfaceDisabled
	}
	a.hostRoutes.Mount(pattern, h)
	return nil
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start launches background workers and the HTTP listener. A listener
// failure calls cancel so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.WebSocketHub.Start()
	a.Core.Guard.Start()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.logLicenseState(ctx)

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", a.Server.Addr),
		slog.Bool("client_surface", a.Services.License != nil),
		slog.Bool("admin_surface", a.Config.Admin.Token != ""))
	return nil
}

// logLicenseState re-syncs the local cache once at startup so the first
// request does not pay for it.
func (a *Application) logLicenseState(ctx context.Context) {
	if a.Core.Manager == nil {
		return
	}
	report, err := a.Core.Manager.CheckValidity(ctx)
	if err != nil {
		a.Logger.WarnContext(ctx, "startup license check failed",
			slog.String("error_code", apperrors.LicenseErrorCode(err)),
			slog.String("error", err.Error()))
		return
	}
	a.Logger.InfoContext(ctx, "license state",
		slog.String("state", string(report.State)),
		slog.Int("days_remaining", report.DaysRemaining),
		slog.String("source", report.Source))
}

// Stop drains the server, then releases workers, stores and telemetry.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	a.WebSocketHub.Stop()
	if err := a.Core.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger close: %w", err))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return errors.Join(errs...)
}

// Run runs the application until interrupted
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Start(runCtx, cancel); err != nil {
		return err
	}

	<-runCtx.Done()
	a.Logger.InfoContext(ctx, "received shutdown signal")

	// fresh context: runCtx is already cancelled
	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}
