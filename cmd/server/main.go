package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/moduleplane/moduleplane/internal/activation"
	grpcapi "github.com/moduleplane/moduleplane/internal/api/grpc"
	"github.com/moduleplane/moduleplane/internal/api/middleware"
	"github.com/moduleplane/moduleplane/internal/api/rest"
	"github.com/moduleplane/moduleplane/internal/api/websocket"
	"github.com/moduleplane/moduleplane/internal/audit"
	"github.com/moduleplane/moduleplane/internal/config"
	"github.com/moduleplane/moduleplane/internal/crypto"
	"github.com/moduleplane/moduleplane/internal/health"
	"github.com/moduleplane/moduleplane/internal/manifest"
	"github.com/moduleplane/moduleplane/internal/namespace"
	"github.com/moduleplane/moduleplane/internal/pkg/logger"
	"github.com/moduleplane/moduleplane/internal/pkg/tracing"
	"github.com/moduleplane/moduleplane/internal/registry"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/rollback"
	"github.com/moduleplane/moduleplane/internal/service"
	"github.com/moduleplane/moduleplane/internal/storage"
	"github.com/moduleplane/moduleplane/internal/traffic"
	"github.com/moduleplane/moduleplane/migrations"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// pingableStore is what main needs from a storage driver: the adapter port
// plus the readiness ping.
type pingableStore interface {
	storage.Adapter
	Ping(ctx context.Context) error
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("moduleplane starting",
		"version", version,
		"port", cfg.Port,
		"storage_driver", cfg.StorageDriver,
	)

	// Tracing is a no-op when no endpoint is configured.
	stopTracing, err := tracing.Init("moduleplane", cfg.TracingEndpoint, cfg.TracingSamplingRate)
	if err != nil {
		log.Warn("tracing init failed, continuing without traces", "error", err)
		stopTracing = func() {}
	}
	defer stopTracing()

	store, err := openStorage(cfg)
	if err != nil {
		log.Error("failed to open storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	masterKey := cfg.MasterKey
	if masterKey == "" {
		masterKey, err = crypto.GenerateKey()
		if err != nil {
			log.Error("failed to generate master key", "error", err)
			os.Exit(1)
		}
		log.Warn("no master key configured; generated an ephemeral key, " +
			"encrypted config values will not survive a restart")
	}
	prov, err := crypto.NewAESProvider(masterKey, cfg.ExportHMACKey)
	if err != nil {
		log.Error("failed to initialize crypto provider", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()

	recorder := audit.NewRecorder(store, nil, clock, log, cfg.AuditRetainEntries)

	manager := namespace.NewManager(namespace.Options{
		Store:    store,
		Crypto:   prov,
		Audit:    recorder,
		Clock:    clock,
		Logger:   log,
		MaxDepth: cfg.NamespaceMaxDepth,
	})
	if err := manager.Load(ctx); err != nil {
		log.Error("failed to load namespace state", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, clock, log)
	if err := reg.Load(ctx); err != nil {
		log.Error("failed to load module registry", "error", err)
		os.Exit(1)
	}

	res := resolver.New(reg, resolver.Options{
		Timeout:   time.Duration(cfg.ResolutionTimeoutSec) * time.Second,
		CacheSize: cfg.ResolutionCacheSize,
		CacheTTL:  time.Duration(cfg.ResolutionCacheTTL) * time.Second,
		Logger:    log,
		Clock:     clock,
	})
	checker := health.NewChecker(health.Options{Logger: log, Clock: clock})
	router := traffic.NewRouter(clock)
	controller := rollback.NewController(rollback.Options{Logger: log, Clock: clock})

	var loader activation.Loader
	if cfg.CatalogDir != "" {
		loader = &manifest.FileLoader{Dir: cfg.CatalogDir, Clock: clock}
	}

	engine := activation.New(activation.Options{
		Registry: reg,
		Resolver: res,
		Health:   checker,
		Traffic:  router,
		Rollback: controller,
		Store:    store,
		Isolator: manager,
		Loader:   loader,
		Audit:    recorder,
		Clock:    clock,
		Logger:   log,

		MaxConcurrent: cfg.MaxConcurrentActivations,
		Timeout:       time.Duration(cfg.ActivationTimeoutSec) * time.Second,
		StepTimeout:   time.Duration(cfg.StepTimeoutSec) * time.Second,
		QueueTimeout:  time.Duration(cfg.ActivationQueueSec) * time.Second,
	})

	svc := service.NewModuleService(reg, res, engine, checker, log)

	// File catalog: one-shot sync, or sync plus hot reload.
	var watcher *manifest.Watcher
	if cfg.CatalogDir != "" {
		watcher = manifest.NewWatcher(cfg.CatalogDir, reg, log, 0)
		if cfg.CatalogAutoReload {
			if err := watcher.Start(ctx); err != nil {
				log.Error("failed to watch manifest catalog", "dir", cfg.CatalogDir, "error", err)
				os.Exit(1)
			}
		} else if err := watcher.Sync(ctx); err != nil {
			log.Error("failed to load manifest catalog", "dir", cfg.CatalogDir, "error", err)
			os.Exit(1)
		}
	}

	hub := websocket.NewHub(ctx)
	go hub.Run()

	wsHandler := websocket.NewHandler(ctx, hub, svc, cfg.AllowedOrigins, log)
	go wsHandler.StreamEvents()

	var grpcSrv *grpcapi.Server
	if cfg.GRPCPort > 0 {
		grpcSrv = grpcapi.NewServer(cfg.GRPCPort, log)
		if err := grpcSrv.Start(); err != nil {
			log.Error("failed to start grpc endpoint", "error", err)
			os.Exit(1)
		}
		grpcSrv.SetServing(true)
	}

	muxRouter := mux.NewRouter()

	healthz := rest.NewHealthzHandler(store, version)
	muxRouter.HandleFunc("/health", healthz.Live).Methods(http.MethodGet)
	muxRouter.HandleFunc("/ready", healthz.Ready).Methods(http.MethodGet)
	muxRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	muxRouter.HandleFunc("/ws", wsHandler.ServeWS).Methods(http.MethodGet)

	maxBody := int64(cfg.MaxManifestBytes)
	if maxBody <= 0 {
		maxBody = middleware.DefaultStandardMaxBodyBytes
	}
	api := muxRouter.PathPrefix("/api/v1").Subrouter()
	api.Use(
		middleware.RequestID,
		middleware.Principal,
		middleware.StructuredLog,
		middleware.Recover(log),
		middleware.Tracing,
		middleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		middleware.MaxBodySize(maxBody, middleware.DefaultBulkMaxBodyBytes),
		middleware.SecureHeaders,
	)
	rest.SetupRoutes(api, rest.NewHandler(svc, manager))

	if wildcardOrigins(cfg.AllowedOrigins) {
		log.Warn("CORS allows all origins; set allowed_origins before exposing this server")
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-Request-ID", "X-Idempotency-Key",
			"X-Principal-Type", "X-Principal-ID", "X-Principal-Roles",
		},
		AllowCredentials: true,
	}).Handler(muxRouter)

	requestTimeout := 15 * time.Second
	if cfg.RequestTimeoutSec > 0 {
		requestTimeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      corsHandler,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening",
			"addr", srv.Addr,
			"api", fmt.Sprintf("http://localhost:%d/api/v1", cfg.Port),
			"ws", fmt.Sprintf("ws://localhost:%d/ws", cfg.Port),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if grpcSrv != nil {
		// Fail gRPC health checks first so load balancers drain.
		grpcSrv.SetServing(false)
	}

	shutdownTimeout := 15 * time.Second
	if cfg.ShutdownTimeoutSec > 0 {
		shutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server forced to shut down", "error", err)
	}

	cancel() // stops the watcher loop, the event pump and the hub context
	if watcher != nil {
		watcher.Stop()
	}
	hub.Stop()
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	engine.Close() // waits for in-flight activations to settle
	recorder.Close()

	log.Info("server exited")
}

// openStorage builds the configured storage driver and applies embedded
// migrations for the SQL backends.
func openStorage(cfg *config.Config) (pingableStore, error) {
	switch cfg.StorageDriver {
	case "", "memory":
		return storage.NewMemory(), nil

	case "sqlite":
		store, err := storage.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		sql, err := migrations.For("sqlite")
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := store.RunMigrations(sql); err != nil {
			store.Close()
			return nil, fmt.Errorf("sqlite migrations: %w", err)
		}
		return store, nil

	case "postgres":
		store, err := storage.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sql, err := migrations.For("postgres")
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := store.RunMigrations(sql); err != nil {
			store.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func wildcardOrigins(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
