package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"fastdls/internal/config"
	"fastdls/internal/infrastructure"
	"fastdls/internal/pki"
	"fastdls/internal/products"
	"fastdls/internal/services"
	"fastdls/internal/store"
	"fastdls/internal/token"
	handlers "fastdls/internal/transport/http"
	ws "fastdls/internal/websocket"
	"fastdls/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         store.Store
	Identity      services.Identity
	Handshake     *services.HandshakeService
	Leases        *services.LeaseService
	Admin         *services.AdminService
	EventHub      *ws.Hub
	Router        http.Handler
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication wires every component from cfg. The instance key pair
// must already exist; a missing or mismatched key is fatal.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("version", contracts.GetVersionString()),
		slog.String("protocol", contracts.ProtocolVersion))

	identity, err := LoadIdentity(cfg, time.Now())
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "Instance identity loaded",
		slog.String("key_ref", identity.KeyRef),
		slog.String("instance_ref", cfg.Instance.InstanceRef),
		slog.String("spki_sha256", pki.SPKIFingerprint(identity.Keys.Public)))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.NewOTelConfig(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateDLSMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Store:         st,
		Identity:      identity,
		EventHub:      ws.NewHub(cfg.WebSocket, logger),
		OTelProviders: otelProviders,
	}

	codec := token.NewCodec(identity.Keys, nil)
	opts := services.Options{
		Logger:  logger,
		Metrics: metrics,
		Events:  app.EventHub,
		Tracer:  otelProviders.Tracer,
	}
	app.Handshake = services.NewHandshakeService(st, codec, identity, opts)
	app.Leases = services.NewLeaseService(st, products.Default(), codec, cfg.Instance, opts)
	app.Admin = services.NewAdminService(st, codec, identity, cfg, opts)

	app.Router = handlers.NewRouter(handlers.RouterDeps{
		Config:         cfg,
		Logger:         logger,
		Handshake:      app.Handshake,
		Leases:         app.Leases,
		Admin:          app.Admin,
		Signer:         pki.NewSigner(identity.Keys.Private),
		Hub:            app.EventHub,
		Tracer:         otelProviders.Tracer,
		Metrics:        metrics,
		PrometheusHTTP: otelProviders.PrometheusHTTP,
	})
	app.createServer()

	return app, nil
}

// LoadIdentity reads the instance key pair, makes sure a certificate chain
// bound to it exists and resolves the key_ref.
func LoadIdentity(cfg *config.Config, now time.Time) (services.Identity, error) {
	inst := cfg.Instance

	keys, err := pki.LoadKeyPair(inst.PrivateKeyFile, inst.PublicKeyFile)
	if err != nil {
		return services.Identity{}, fmt.Errorf("failed to load instance key: %w", err)
	}

	var chain *pki.Chain
	if inst.CertDir != "" {
		chain, err = pki.EnsureChain(inst.CertDir, pki.ChainOptions{
			InstanceRef: inst.InstanceRef,
			Instance:    keys,
			Now:         now,
		})
		if err != nil {
			return services.Identity{}, fmt.Errorf("failed to prepare certificate chain: %w", err)
		}
	}

	keyRef := inst.SiteKeyXID
	if keyRef == "" {
		if keyRef, err = pki.DeriveKeyRef(inst.InstanceRef, keys.Public); err != nil {
			return services.Identity{}, fmt.Errorf("failed to derive key ref: %w", err)
		}
	}

	return services.Identity{Instance: inst, KeyRef: keyRef, Keys: keys, Chain: chain}, nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Start serves HTTP and runs the event hub and expiry sweeper until ctx is
// cancelled or one of them fails, then shuts everything down.
func (a *Application) Start(ctx context.Context) error {
	inst := a.Config.Instance
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("address", a.Server.Addr),
		slog.Bool("tls", a.Config.Server.TLSEnabled()),
		slog.String("base_url", inst.BaseURL()),
		slog.Duration("token_expire", inst.TokenExpire),
		slog.Duration("lease_expire", inst.LeaseExpire),
		slog.Duration("lease_renewal", inst.RenewalWindow()),
		slog.Duration("sweep_interval", a.Config.Sweeper.Interval))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.EventHub.Run(gctx)
	})

	g.Go(func() error {
		return a.Leases.RunSweeper(gctx, a.Config.Sweeper.Interval)
	})

	g.Go(func() error {
		var err error
		if a.Config.Server.TLSEnabled() {
			err = a.Server.ListenAndServeTLS(a.Config.Server.TLSCertFile, a.Config.Server.TLSKeyFile)
		} else {
			err = a.Server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdownServer()
	})

	err := g.Wait()
	a.Stop(context.Background())
	return err
}

func (a *Application) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Stop releases the store and flushes telemetry. It is called by Start on
// the way out.
func (a *Application) Stop(ctx context.Context) {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing database", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
}

// Run loads configuration, builds the application and serves until ctx
// is cancelled.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.Start(ctx)
}
