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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licenseplatform/internal/config"
	apierrors "licenseplatform/internal/errors"
	"licenseplatform/internal/gate"
	"licenseplatform/internal/hardware"
	"licenseplatform/internal/idgen"
	"licenseplatform/internal/infrastructure"
	"licenseplatform/internal/keys"
	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
	customMiddleware "licenseplatform/internal/middleware"
	handlers "licenseplatform/internal/transport/http"
)

const (
	// ProtectedFeature is the feature key the sample export route requires.
	ProtectedFeature = "export"

	systemMetricsInterval = 15 * time.Second
	redisConnectTimeout   = 5 * time.Second
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Router        *chi.Mux
	Server        *http.Server

	Validator *license.Validator
	Issuer    *license.Issuer // nil when no signing key is configured
	Gate      *gate.Gate
	Probe     *hardware.Probe
	Ledger    *ledger.Store // nil when the ledger is disabled

	ids           license.IDGenerator
	redisIDs      *idgen.RedisSequence
	errorHandler  *apierrors.ErrorHandler
	systemMetrics *infrastructure.SystemMetricsCollector
}

// NewApplication loads the configuration at configPath (or the usual
// locations when empty), initializes logging and builds the application.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger)
}

// New builds the application from an already loaded configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.RequireVerifier(); err != nil {
		return nil, fmt.Errorf("license verification is not configured: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		errorHandler:  apierrors.NewErrorHandler(logger, cfg.Logging.Development),
	}

	if err := a.initializeServices(context.Background()); err != nil {
		a.closeResources(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the license core and its supporting stores.
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	metrics, err := license.InitializeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	pub, err := keys.LoadPublicKey(cfg.Keys.CertificatePath)
	if err != nil {
		return fmt.Errorf("failed to load verification certificate: %w", err)
	}

	guard, err := license.NewRollbackGuard(cfg.Guard.RecordPath, []byte(cfg.Guard.Secret), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create rollback guard: %w", err)
	}
	guard.SetLockTimeout(cfg.Guard.LockTimeout)

	a.Validator, err = license.NewValidator(pub, guard,
		license.WithLogger(a.Logger),
		license.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	a.Probe = hardware.NewProbe(hardware.WithLogger(a.Logger))

	if cfg.Ledger.Enabled {
		a.Ledger, err = ledger.Open(cfg.Ledger.DSN, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
	}

	if err := a.initializeIssuer(ctx, metrics); err != nil {
		return err
	}

	gateMetrics, err := gate.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create gate metrics: %w", err)
	}
	gateOpts := []gate.Option{
		gate.WithMetrics(gateMetrics),
		gate.WithTimeout(cfg.Server.ValidationTimeout),
	}
	if a.Ledger != nil {
		gateOpts = append(gateOpts, gate.WithUsageRecorder(a.Ledger))
	}
	a.Gate = gate.New(
		gate.NewFileSource(cfg.Client.LicensePath, a.Validator, a.Probe, a.Logger),
		cfg.Client.CacheTTL,
		a.Logger,
		gateOpts...,
	)

	a.systemMetrics, err = infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, systemMetricsInterval)
	if err != nil {
		return fmt.Errorf("failed to create system metrics: %w", err)
	}
	return nil
}

// initializeIssuer opens the signing key when the host is configured to
// issue licenses. Verification-only hosts run without an issuer.
func (a *Application) initializeIssuer(ctx context.Context, metrics *license.Metrics) error {
	cfg := a.Config
	if err := cfg.RequireSigner(); err != nil {
		a.Logger.Info("License issuing disabled", slog.String("reason", err.Error()))
		return nil
	}

	ks, err := keys.OpenKeystore(cfg.Keys.KeystorePath, []byte(cfg.Keys.StorePass))
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	signer, err := ks.PrivateKey(cfg.Keys.Alias, []byte(cfg.Keys.KeyPass))
	if err != nil {
		return fmt.Errorf("failed to load signing key %q: %w", cfg.Keys.Alias, err)
	}

	if cfg.Issuer.RedisAddr != "" {
		redisCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		defer cancel()
		seq, err := idgen.NewRedisSequence(redisCtx, idgen.RedisConfig{
			Address:  cfg.Issuer.RedisAddr,
			Password: cfg.Issuer.RedisPassword,
			DB:       cfg.Issuer.RedisDB,
			Prefix:   cfg.Issuer.RedisPrefix,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect license id sequence: %w", err)
		}
		a.redisIDs = seq
		a.ids = seq
	} else {
		seq := idgen.NewMemorySequence()
		if err := seq.SeedFromDir(cfg.Issuer.OutputDir); err != nil {
			return fmt.Errorf("failed to scan issued licenses: %w", err)
		}
		a.Logger.Warn("No Redis configured, license ids continue from the output directory only",
			slog.String("output_dir", cfg.Issuer.OutputDir))
		a.ids = seq
	}

	a.Issuer = license.NewIssuer(a.ids, signer, a.Logger)
	a.Issuer.SetMetrics(metrics)
	a.Logger.Info("License issuing enabled",
		slog.String("alias", cfg.Keys.Alias),
		slog.String("output_dir", cfg.Issuer.OutputDir))
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	// Order: RequestID, RealIP, OTel, Logger, Recoverer
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.errorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP, a.errorHandler))
	a.setupAPIRoutes(r)

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.ValidationTimeout))
		r.Use(customMiddleware.MaxBodySize(a.Config.Server.MaxBodyBytes, a.errorHandler))

		healthHandler := handlers.NewHealthHandler(config.AppVersion, gateStatus{a.Gate}, a.Logger)
		if a.Ledger != nil {
			healthHandler.AddCheck("ledger", a.Ledger.Ping)
		}
		if a.redisIDs != nil {
			healthHandler.AddCheck("id_sequence", a.redisIDs.Ping)
		}
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		machineHandler := handlers.NewMachineHandler(a.Probe, a.Logger)
		r.Get("/machine/info", machineHandler.Info)

		licenseCfg := handlers.LicenseHandlerConfig{
			Verifier:  a.Validator,
			Probe:     a.Probe,
			OutputDir: a.Config.Issuer.OutputDir,
			Errors:    a.errorHandler,
		}
		// Typed nils must not leak into the handler's interfaces.
		if a.Issuer != nil {
			licenseCfg.Issuer = a.Issuer
		}
		if a.Ledger != nil {
			licenseCfg.Ledger = a.Ledger
		}
		licenseHandler := handlers.NewLicenseHandler(licenseCfg, a.Logger)
		r.Mount("/license", licenseHandler.Routes())
		r.Post("/license/reload", a.handleReload)

		r.Route("/protected", func(r chi.Router) {
			r.Use(a.Gate.Handler)
			r.Get("/features", a.handleFeatures)
			r.With(a.Gate.RequireFeature(ProtectedFeature)).Get("/export", a.handleExport)
		})
	})
}

// handleReload drops the cached license outcome, e.g. after the license
// file was replaced, and reports the fresh one.
func (a *Application) handleReload(w http.ResponseWriter, r *http.Request) {
	a.Gate.Invalidate()
	render.JSON(w, r, gateStatus{a.Gate}.Current(r.Context()))
}

// handleFeatures lists the features of the license the process runs under.
func (a *Application) handleFeatures(w http.ResponseWriter, r *http.Request) {
	out, _ := gate.OutcomeFromContext(r.Context())
	features := out.Features
	if features == nil {
		features = map[string]bool{}
	}
	render.JSON(w, r, map[string]interface{}{
		"licenseId": out.LicenseID,
		"features":  features,
		"checkedAt": out.CheckedAt,
	})
}

func (a *Application) handleExport(w http.ResponseWriter, r *http.Request) {
	out, _ := gate.OutcomeFromContext(r.Context())
	render.JSON(w, r, map[string]interface{}{
		"licenseId": out.LicenseID,
		"feature":   ProtectedFeature,
		"enabled":   true,
	})
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

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.performStartupCheck(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Server listening", slog.String("address", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.systemMetrics.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(gctx, "Shutdown requested")
		return a.Stop(context.Background())
	})
	return g.Wait()
}

// performStartupCheck evaluates the license once so that a broken setup is
// visible in the startup logs. It never fails startup.
func (a *Application) performStartupCheck(ctx context.Context) {
	out := a.Gate.Current(ctx)
	if out.Valid() {
		a.Logger.InfoContext(ctx, "License valid",
			slog.String("license_id", out.LicenseID))
		return
	}
	a.Logger.WarnContext(ctx, "License not valid, protected routes are closed",
		slog.String("kind", out.Kind.String()),
		slog.Int("code", out.Code()),
		slog.String("path", a.Config.Client.LicensePath))
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
	a.closeResources(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases stores and telemetry. Errors are logged only.
func (a *Application) closeResources(ctx context.Context) {
	if a.systemMetrics != nil {
		a.systemMetrics.Stop()
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing ledger", slog.String("error", err.Error()))
		}
	}
	if a.redisIDs != nil {
		if err := a.redisIDs.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing Redis", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// gateStatus adapts the gate to the health handler.
type gateStatus struct{ g *gate.Gate }

func (s gateStatus) Current(ctx context.Context) handlers.LicenseHealth {
	out := s.g.Current(ctx)
	return handlers.LicenseHealth{
		Valid:     out.Valid(),
		Code:      out.Code(),
		Kind:      out.Kind.String(),
		LicenseID: out.LicenseID,
	}
}
