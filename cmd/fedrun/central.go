package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api/handlers"
	"github.com/BaSui01/fedrun/config"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/database"
	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/internal/filestore"
	"github.com/BaSui01/fedrun/internal/metrics"
	"github.com/BaSui01/fedrun/internal/runstate"
	"github.com/BaSui01/fedrun/internal/server"
)

// CentralServer hosts the run API, the event stream and, unless disabled,
// the file-storage routes.
type CentralServer struct {
	cfg    *config.Config
	logger *zap.Logger

	// serveFiles mounts the file-storage routes on the same listener.
	serveFiles  bool
	autoMigrate bool
	registry    *prometheus.Registry

	collector *metrics.Collector
	bus       *eventbus.Bus
	pool      *database.PoolManager
	redis     *redis.Client
	health    *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCentralServer(cfg *config.Config, serveFiles, autoMigrate bool, logger *zap.Logger) *CentralServer {
	return &CentralServer{
		cfg:         cfg,
		serveFiles:  serveFiles,
		autoMigrate: autoMigrate,
		registry:    prometheus.NewRegistry(),
		logger:      logger,
	}
}

// Start builds every dependency and starts both listeners. It returns once
// they are accepting connections.
func (s *CentralServer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector("fedrun", s.registry, s.logger)
	s.health = handlers.NewHealthHandler(s.logger)

	s.bus = eventbus.New(s.logger,
		eventbus.WithBuffer(s.cfg.Central.SubscriberBuffer),
		eventbus.WithMetrics(s.collector),
	)
	if err := s.initFanout(ctx); err != nil {
		return err
	}

	store, err := s.initStore(ctx)
	if err != nil {
		return err
	}
	if err := s.seed(ctx, store); err != nil {
		return err
	}

	issuer := auth.NewIssuer(s.cfg.Central.JWTSecret, s.cfg.Central.JWTIssuer, s.cfg.Central.SessionTTL)
	verifier := auth.NewVerifier(s.cfg.Central.JWTSecret, s.cfg.Central.JWTIssuer)
	runs := runstate.NewService(store, s.bus, issuer, runstate.ServiceOptions{
		FileStorageURL:   s.cfg.Central.FileStorageURL,
		DownloadTokenTTL: s.cfg.Central.DownloadTokenTTL,
		Metrics:          s.collector,
	}, s.logger)

	mux := http.NewServeMux()
	s.registerHealth(mux)
	handlers.NewRunHandler(runs, s.logger).Register(mux)
	handlers.NewTokenHandler(issuer, s.logger).Register(mux)
	handlers.NewEventsHandler(s.bus, verifier, s.cfg.Server.CORSOrigins, s.logger).Register(mux)
	if s.serveFiles {
		files, err := newFileService(ctx, s.cfg, s.collector, s.logger)
		if err != nil {
			return err
		}
		s.health.RegisterCheck("storage", files.Ping)
		handlers.NewFileHandler(files, verifier, s.cfg.Server.MaxUploadBytes, s.logger).Register(mux)
	}

	s.httpManager = server.NewManager(apiChain(ctx, mux, s.cfg.Server, verifier, s.collector, s.logger),
		httpServerConfig("central", s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	s.metricsManager = newMetricsManager(s.cfg.Server, s.registry, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("central authority started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("file_routes", s.serveFiles),
		zap.Bool("redis_fanout", s.redis != nil),
	)
	return nil
}

func (s *CentralServer) initFanout(ctx context.Context) error {
	if !s.cfg.Central.RedisFanout {
		return nil
	}
	client, err := eventbus.NewRedisClient(ctx, eventbus.RedisOptions{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return err
	}
	s.redis = client
	bridge := eventbus.NewRedisBridge(client, s.cfg.Redis.Channel, s.bus, s.logger)
	s.health.RegisterCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, handlers.Optional())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := bridge.Run(ctx); err != nil {
			s.logger.Error("redis event bridge stopped", zap.Error(err))
		}
	}()
	return nil
}

// initStore opens the configured database. The "memory" driver keeps runs
// in process and loses them on restart.
func (s *CentralServer) initStore(ctx context.Context) (runstate.Store, error) {
	if s.cfg.Database.Driver == "memory" {
		s.logger.Warn("using in-memory run store; runs are lost on restart")
		return runstate.NewMemoryStore(), nil
	}
	db, err := database.Open(s.cfg.Database)
	if err != nil {
		return nil, err
	}
	s.pool, err = database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.collector, s.logger)
	if err != nil {
		return nil, err
	}
	s.health.RegisterCheck("database", s.pool.Ping)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.RunHealthChecks(ctx)
	}()

	store := runstate.NewGormStore(s.pool.DB())
	if s.autoMigrate {
		if err := store.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}
	return store, nil
}

func (s *CentralServer) seed(ctx context.Context, store runstate.Store) error {
	if s.cfg.Central.ConsortiaFile == "" {
		return nil
	}
	consortia, err := runstate.LoadConsortiaFile(s.cfg.Central.ConsortiaFile)
	if err != nil {
		return err
	}
	if err := runstate.Seed(ctx, store, consortia); err != nil {
		return err
	}
	s.logger.Info("consortia loaded", zap.String("file", s.cfg.Central.ConsortiaFile), zap.Int("count", len(consortia)))
	return nil
}

func (s *CentralServer) registerHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))
}

// Errors reports a listener that stopped serving.
func (s *CentralServer) Errors() <-chan error { return s.httpManager.Errors() }

// Shutdown stops the listeners first, then background loops, then closes
// the database and redis connections.
func (s *CentralServer) Shutdown(ctx context.Context) {
	s.logger.Info("starting graceful shutdown")
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}

// =============================================================================
// Shared HTTP wiring
// =============================================================================

func apiChain(ctx context.Context, mux http.Handler, cfg config.ServerConfig, verifier handlers.TokenVerifier, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	return Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(collector),
		RequestLogger(logger),
		CORS(cfg.CORSOrigins),
		RateLimiter(ctx, float64(cfg.RateLimitRPS), cfg.RateLimitBurst, logger),
		Authenticate(verifier, logger),
	)
}

func httpServerConfig(name string, cfg config.ServerConfig) server.Config {
	return server.Config{
		Name:            name,
		Addr:            fmt.Sprintf(":%d", cfg.HTTPPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     2 * cfg.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.ShutdownTimeout,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
	}
}

func newMetricsManager(cfg config.ServerConfig, registry *prometheus.Registry, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", cfg.MetricsPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.ReadTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
}

// newFileService opens the configured storage backend.
func newFileService(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*filestore.Service, error) {
	var backend filestore.Backend
	switch cfg.Storage.Backend {
	case "minio":
		b, err := filestore.NewMinioBackend(ctx, cfg.Storage.MinIO)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := filestore.NewDiskBackend(cfg.Storage.DiskDir)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	logger.Info("file storage ready", zap.String("backend", cfg.Storage.Backend))
	return filestore.NewService(backend, logger,
		filestore.WithMaxBytes(cfg.Server.MaxUploadBytes),
		filestore.WithObserver(collector),
	), nil
}
