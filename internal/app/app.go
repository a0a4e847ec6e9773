package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"licensor/internal/audit"
	"licensor/internal/codes"
	"licensor/internal/config"
	apierrors "licensor/internal/errors"
	"licensor/internal/infrastructure"
	"licensor/internal/keys"
	"licensor/internal/license"
	customMiddleware "licensor/internal/middleware"
	"licensor/internal/rules"
	"licensor/internal/services"
	"licensor/internal/signing"
	"licensor/internal/storage"
	handlers "licensor/internal/transport/http"
	ws "licensor/internal/websocket"
	"licensor/pkg/contracts"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// AppName is reported in startup logs
	AppName = "licensor"

	cacheTTL         = 5 * time.Minute
	cacheMaxEntries  = 1000
	ipSweepInterval  = 10 * time.Minute
	adminEventsRoute = "/events"
)

// BuildTime is set at compile time
var BuildTime = time.Now().Format(time.RFC3339)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	Services      *ServiceContainer
	OTelProviders *infrastructure.OTelProviders
	Hub           *ws.Hub

	errHandler *apierrors.ErrorHandler
	ipLimiter  *customMiddleware.IPRateLimiter
	pool       *pgxpool.Pool
	bgCancel   context.CancelFunc
}

// ServiceContainer holds all application services and the components behind them
type ServiceContainer struct {
	License services.LicenseService
	Admin   services.AdminService
	Health  *services.HealthService

	Rules *rules.Engine
	Keys  *keys.Manager
	Store *license.Store
	Codes *codes.Registry
	Guard *license.AttemptGuard
	Cache *license.Cache
	Audit audit.Sink
}

// NewApplication loads configuration and logging, then builds the application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version))

	return NewWithConfig(context.Background(), cfg, logger)
}

// NewWithConfig builds the application from an already loaded configuration
func NewWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	paths, err := config.ResolvePaths(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: otelProviders,
		errHandler:    apierrors.NewErrorHandler(logger, false),
	}

	if err := a.initializeServices(ctx); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

// initializeServices wires storage, policy, keys and the services on top of them
func (a *Application) initializeServices(ctx context.Context) error {
	meter := a.OTelProviders.Meter

	if err := infrastructure.RegisterRuntimeGauges(meter, time.Now()); err != nil {
		return fmt.Errorf("failed to register runtime gauges: %w", err)
	}

	inst, err := license.NewInstrumentation(meter)
	if err != nil {
		return fmt.Errorf("failed to create license instrumentation: %w", err)
	}

	engine, err := rules.NewEngine(ctx,
		rules.NewFileStore(a.Paths.RulesFile(), a.Paths.RulesHistoryFile()),
		a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	keyManager := keys.NewManager(a.Paths.PrivateKeyFile(), a.Paths.PublicKeyFile(), a.Logger)
	if _, err := keyManager.EnsureKeyPair(ctx); err != nil {
		return fmt.Errorf("failed to ensure signing keys: %w", err)
	}
	signer := signing.NewSigner(keyManager, a.Logger)

	licenseRepo, artifacts, codeRepo, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	cache := license.NewCache(cacheTTL, cacheMaxEntries)
	store := license.NewStore(licenseRepo, artifacts, signer, a.Logger,
		license.WithCache(cache),
		license.WithInstrumentation(inst))
	tracker := license.NewTracker(store, engine, a.Logger,
		license.WithTrackerInstrumentation(inst))
	registry := codes.NewRegistry(codeRepo, engine, a.Logger,
		codes.WithRecorder(inst))

	guard := license.NewAttemptGuard(
		a.Config.Security.MaxFailedAttempts,
		a.Config.Security.BlockDuration,
		a.Config.Security.BlockDuration,
		a.Logger)

	sink, err := a.openAudit(ctx)
	if err != nil {
		guard.Stop()
		cache.Stop()
		return err
	}

	hubOpts := []ws.HubOption{ws.WithQueueSize(a.Config.WebSocket.SendBuffer)}
	if wsMetrics, err := ws.NewOTelMetrics(meter); err != nil {
		a.Logger.WarnContext(ctx, "WebSocket metrics unavailable", slog.String("error", err.Error()))
	} else {
		hubOpts = append(hubOpts, ws.WithMetrics(wsMetrics))
	}
	a.Hub = ws.NewHub(a.Logger, hubOpts...)

	licenseService := services.NewLicenseService(services.LicenseDeps{
		Store:   store,
		Tracker: tracker,
		Codes:   registry,
		Rules:   engine,
		Signer:  signer,
		Keys:    keyManager,
		Guard:   guard,
		Audit:   sink,
		Events:  a.Hub,
		Logger:  a.Logger,
	})
	adminService := services.NewAdminService(services.AdminDeps{
		Store:   store,
		Tracker: tracker,
		Codes:   registry,
		Rules:   engine,
		Keys:    keyManager,
		Audit:   sink,
		Logger:  a.Logger,
	})
	healthService := services.NewHealthService(contracts.Version, a.Logger,
		services.WithStorage("licenses", store),
		services.WithStorage("codes", registry),
		services.WithKeys(keyManager),
		services.WithHub(a.Hub),
		services.WithBuildTime(BuildTime))

	a.ipLimiter = customMiddleware.NewIPRateLimiter(engine, a.Logger)

	a.Services = &ServiceContainer{
		License: licenseService,
		Admin:   adminService,
		Health:  healthService,
		Rules:   engine,
		Keys:    keyManager,
		Store:   store,
		Codes:   registry,
		Guard:   guard,
		Cache:   cache,
		Audit:   sink,
	}

	return nil
}

// openStorage opens the license and code repositories for the configured driver
func (a *Application) openStorage(ctx context.Context) (license.Repository, license.ArtifactStore, codes.Repository, error) {
	switch a.Config.Storage.Driver {
	case config.DriverPostgres:
		pool, err := storage.OpenPostgres(ctx, a.Config.Storage, a.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.pool = pool
		prefix := a.Config.Storage.TablePrefix

		licenseRepo, err := license.NewPostgresRepository(ctx, pool, prefix, a.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to prepare license table: %w", err)
		}
		artifacts, err := license.NewPostgresArtifactStore(ctx, pool, prefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to prepare artifact table: %w", err)
		}
		codeRepo, err := codes.NewPostgresRepository(ctx, pool, prefix, a.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to prepare code table: %w", err)
		}
		return licenseRepo, artifacts, codeRepo, nil

	default:
		licenseRepo, err := license.NewFileRepository(a.Paths.LicensesFile(), a.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open license file: %w", err)
		}
		codeRepo, err := codes.NewFileRepository(a.Paths.CodesFile(), a.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open code file: %w", err)
		}
		return licenseRepo, license.NewFileArtifactStore(a.Paths.ArtifactsDir), codeRepo, nil
	}
}

// openAudit opens the activation log sink for the configured driver
func (a *Application) openAudit(ctx context.Context) (audit.Sink, error) {
	var sink audit.Sink

	switch a.Config.Audit.Driver {
	case config.DriverMongo:
		client, err := audit.ConnectMongo(ctx, a.Config.Audit.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		mongoSink, err := audit.NewMongoSink(ctx, client.Database(a.Config.Audit.Database),
			audit.WithCollectionName(a.Config.Audit.Collection),
			audit.WithClientOwnership(client))
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to prepare activation log collection: %w", err)
		}
		sink = mongoSink
	case config.DriverNone:
		sink = audit.Nop{}
	default:
		sink = audit.NewFileSink(a.Paths.ActivationLogFile())
	}

	return audit.Logged{Sink: sink, Logger: a.Logger}, nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	engine := a.Services.Rules

	// Ordering: RequestID → RealIP → OTel → Logger → Recoverer → headers → CORS → rate limit
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger, engine))
	r.Use(a.errHandler.Recoverer)
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(a.getCORSConfig()))
	}

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.RateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger))
	}

	r.NotFound(a.errHandler.NotFound)
	r.MethodNotAllowed(a.errHandler.MethodNotAllowed)

	healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
	r.Get("/health", healthHandler.HealthCheck)

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.setupAPIRoutes(r, healthHandler)

	a.Router = r
}

// setupAPIRoutes configures the public and admin API
func (a *Application) setupAPIRoutes(r chi.Router, healthHandler *handlers.HealthHandler) {
	validator := customMiddleware.NewValidationMiddleware(a.Logger, a.errHandler)
	licenseHandler := handlers.NewLicenseHandler(a.Services.License, validator, a.errHandler, a.Logger)
	adminHandler := handlers.NewAdminHandler(a.Services.Admin, validator, a.errHandler, a.Logger)
	eventsHandler := handlers.NewEventsHandler(a.Hub,
		ws.NewUpgrader(a.Config.WebSocket.ReadBufferSize, a.Config.WebSocket.WriteBufferSize, a.Config.Security.AllowedOrigins),
		ws.ClientOptions{
			SendBuffer: a.Config.WebSocket.SendBuffer,
			PingPeriod: a.Config.WebSocket.PingPeriod,
			PongWait:   a.Config.WebSocket.PongWait,
		},
		a.errHandler, a.Logger)

	adminAuth := customMiddleware.AdminAuth(a.Config.Security.AdminTokenHash, a.Logger)
	timeout := customMiddleware.Timeout(a.Config.Server.RequestTimeout)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/health", func(r chi.Router) {
			r.Get("/", healthHandler.HealthCheck)
			r.Get("/ready", healthHandler.ReadinessCheck)
			r.Get("/live", healthHandler.LivenessCheck)
		})
		r.Get("/version", healthHandler.Version)

		// Admin code generation lives beside the public routes but keeps admin auth
		r.With(adminAuth, timeout, validator.ValidateRequest).Post("/codes", adminHandler.GenerateCode)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth)

			// Websocket connections outlive the request timeout
			r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).Get(adminEventsRoute, eventsHandler.ServeHTTP)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Use(customMiddleware.ContentTypeValidator("application/json"))
				adminHandler.Routes(r)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.ipLimiter.Handler)
			r.Use(customMiddleware.APITokenAuth(a.Services.Rules, a.Config.Security.APITokenHashes, a.Logger))
			r.Use(timeout)
			licenseHandler.Routes(r)
		})
	})
}

// getCORSConfig returns the CORS settings derived from the security config
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Request-ID", customMiddleware.APITokenHeader, handlers.MachineIDHeader,
		},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
		Logger:           a.Logger,
	}
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

// Start starts background workers and the HTTP listener. cancel is called
// if the listener fails so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("storage", a.Config.Storage.Driver),
		slog.String("audit", a.Config.Audit.Driver),
		slog.String("data_dir", a.Paths.DataDir))

	bgCtx, bgCancel := context.WithCancel(infrastructure.EnsureTraceID(context.Background()))
	a.bgCancel = bgCancel

	a.Hub.Start()
	go a.ipLimiter.Run(bgCtx, ipSweepInterval)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", a.Server.Addr))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.Hub.Stop()
	a.release(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// release closes everything opened during construction. Each step tolerates
// a partially built application.
func (a *Application) release(ctx context.Context) {
	if a.Services != nil {
		a.Services.Guard.Stop()
		a.Services.Cache.Stop()
		if err := a.Services.Audit.Close(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing activation log", slog.String("error", err.Error()))
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "Server stopped unexpectedly")
	}

	err := a.Stop(context.Background())
	if closeErr := infrastructure.CloseLogFile(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}
