// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/campaigns"
	campaignspostgres "github.com/bissquit/chat-relay/internal/campaigns/postgres"
	"github.com/bissquit/chat-relay/internal/config"
	"github.com/bissquit/chat-relay/internal/distribution"
	distributionpostgres "github.com/bissquit/chat-relay/internal/distribution/postgres"
	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/outbound"
	outboundpostgres "github.com/bissquit/chat-relay/internal/outbound/postgres"
	"github.com/bissquit/chat-relay/internal/pkg/ctxlog"
	"github.com/bissquit/chat-relay/internal/pkg/httputil"
	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/bissquit/chat-relay/internal/pkg/periodic"
	"github.com/bissquit/chat-relay/internal/pkg/postgres"
	"github.com/bissquit/chat-relay/internal/pkg/secretbox"
	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/bissquit/chat-relay/internal/sessions/authstate"
	"github.com/bissquit/chat-relay/internal/sessions/cloudapi"
	"github.com/bissquit/chat-relay/internal/sessions/devicelink"
	sessionspostgres "github.com/bissquit/chat-relay/internal/sessions/postgres"
	"github.com/bissquit/chat-relay/internal/version"
	"github.com/bissquit/chat-relay/internal/webhooks"
	webhookspostgres "github.com/bissquit/chat-relay/internal/webhooks/postgres"
	"github.com/bissquit/chat-relay/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	logCloser     io.Closer
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	cancel        context.CancelFunc

	registry     *sessions.Registry
	authState    *authstate.Store
	webhooks     *webhooks.Dispatcher
	worker       *outbound.Worker
	campaigns    *campaigns.Dispatcher
	housekeeping *periodic.Runner
}

// New creates a new application instance and starts its background loops.
func New(cfg *config.Config) (*App, error) {
	logger, logCloser := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := prometheus.Register(metrics.NewPoolCollector(db)); err != nil {
		logger.Warn("db pool metrics not registered", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
		db:        db,
		cancel:    cancel,
	}

	router, err := app.setup(ctx)
	if err != nil {
		app.stopBackground()
		db.Close()
		cancel()
		_ = logCloser.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.stopBackground()
	a.cancel()
	a.db.Close()

	if err := a.logCloser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}

	return errors.Join(errs...)
}

// stopBackground stops producers before the consumers they feed.
func (a *App) stopBackground() {
	if a.campaigns != nil {
		a.campaigns.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.housekeeping != nil {
		a.housekeeping.Stop()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.webhooks != nil {
		a.webhooks.Stop()
	}
	if a.authState != nil {
		if err := a.authState.Close(); err != nil {
			slog.Error("failed to close auth state store", "error", err)
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// discardEvents is the publisher used when webhooks are disabled.
type discardEvents struct{}

func (discardEvents) Publish(context.Context, int64, domain.IntegrationEvent, any) {}

type eventPublisher interface {
	Publish(ctx context.Context, channelID int64, event domain.IntegrationEvent, data any)
}

func (a *App) setup(ctx context.Context) (*chi.Mux, error) {
	cfg := a.config

	box, err := secretbox.New(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("create secret codec: %w", err)
	}

	var events eventPublisher = discardEvents{}
	if cfg.Webhooks.Enabled {
		a.webhooks = webhooks.NewDispatcher(webhooks.Config{
			Workers:   cfg.Webhooks.Workers,
			QueueSize: cfg.Webhooks.QueueSize,
			Timeout:   cfg.Webhooks.Timeout,
		}, webhookspostgres.NewRepository(a.db))
		a.webhooks.Start(ctx)
		events = a.webhooks
	}

	dialers := map[domain.SessionKind]sessions.Dialer{
		domain.SessionKindAPI: cloudapi.NewDialer(cloudapi.Config{
			BaseURL: cfg.Sessions.CloudAPI.BaseURL,
			Timeout: cfg.Sessions.CloudAPI.Timeout,
		}),
	}
	if cfg.Sessions.DeviceLink.GatewayURL != "" {
		a.authState, err = authstate.Open(cfg.Sessions.AuthStatePath, box)
		if err != nil {
			return nil, fmt.Errorf("open auth state: %w", err)
		}
		deviceDialer, err := devicelink.NewDialer(devicelink.Config{
			GatewayURL:       cfg.Sessions.DeviceLink.GatewayURL,
			HandshakeTimeout: cfg.Sessions.DeviceLink.HandshakeTimeout,
			PingInterval:     cfg.Sessions.DeviceLink.PingInterval,
		}, a.authState)
		if err != nil {
			return nil, fmt.Errorf("create device link dialer: %w", err)
		}
		dialers[domain.SessionKindDeviceLinked] = deviceDialer
	} else {
		slog.Warn("device link gateway not configured: only api channels can connect")
	}

	registryConfig := sessions.DefaultConfig()
	registryConfig.PairingTTL = cfg.Sessions.PairingTTL
	registryConfig.SendRate = cfg.Sessions.SendRate
	registryConfig.SendBurst = cfg.Sessions.SendBurst
	registryConfig.BreakerFailures = cfg.Sessions.BreakerFailures
	registryConfig.BreakerTimeout = cfg.Sessions.BreakerTimeout
	registryConfig.RedialBase = cfg.Sessions.RedialBase
	registryConfig.RedialMax = cfg.Sessions.RedialMax

	a.registry = sessions.NewRegistry(registryConfig, sessionspostgres.NewRepository(a.db), box, dialers)
	if cfg.Sessions.RestoreOnStart {
		if err := a.registry.Restore(ctx); err != nil {
			slog.Error("failed to restore channel sessions", "error", err)
		}
	}

	outboundRepo := outboundpostgres.NewRepository(a.db)
	if cfg.Queue.Enabled {
		a.worker = outbound.NewWorker(outbound.WorkerConfig{
			BatchSize:      cfg.Queue.BatchSize,
			PollInterval:   cfg.Queue.PollInterval,
			MaxRetries:     cfg.Queue.MaxRetries,
			BaseBackoff:    cfg.Queue.BaseBackoff,
			SendTimeout:    cfg.Queue.SendTimeout,
			LastErrorLimit: cfg.Queue.LastErrorLimit,
		}, outboundRepo, a.registry)
		a.worker.Start(ctx)
	}

	assigner := distribution.NewAssigner(distributionpostgres.NewRepository(a.db), events)

	campaignsRepo := campaignspostgres.NewRepository(a.db)
	if cfg.Campaigns.Enabled {
		a.campaigns = campaigns.NewDispatcher(campaigns.DispatcherConfig{
			PollInterval:     cfg.Campaigns.PollInterval,
			BatchSize:        cfg.Campaigns.BatchSize,
			DefaultChannelID: cfg.Campaigns.DefaultChannelID,
		}, campaignsRepo, a.registry, assigner, events)
		a.campaigns.Start(ctx)
	}

	keeper := &housekeeper{
		queue:       outboundRepo,
		pairings:    a.registry,
		stuckAfter:  cfg.Housekeeping.StuckAfter,
		baseBackoff: cfg.Queue.BaseBackoff,
		maxAttempts: cfg.Queue.MaxRetries,
		now:         time.Now,
	}
	a.housekeeping = periodic.New("housekeeping", cfg.Housekeeping.Interval, keeper.tick)
	a.housekeeping.Start(ctx)

	outboundHandler := outbound.NewHandler(outbound.NewService(outboundRepo, cfg.Queue.MaxRetries))
	sessionsHandler := sessions.NewHandler(a.registry)
	campaignsHandler := campaigns.NewHandler(campaigns.NewService(campaignsRepo))
	distributionHandler := distribution.NewHandler(assigner)

	return a.router(func(r chi.Router) {
		outboundHandler.RegisterRoutes(r)
		sessionsHandler.RegisterRoutes(r)
		campaignsHandler.RegisterRoutes(r)
		distributionHandler.RegisterRoutes(r)
	}), nil
}

// router builds the middleware stack and mounts the authenticated API.
func (a *App) router(api func(r chi.Router)) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	validator := httputil.NewJWTValidator(a.config.Auth.SecretKey, a.config.Auth.Issuer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(validator))
		api(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db == nil {
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}
