package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api/handlers"
	"github.com/BaSui01/fedrun/config"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/metrics"
	"github.com/BaSui01/fedrun/internal/server"
)

// FileServer is the standalone file-storage service. It shares the signing
// secret with the central authority.
type FileServer struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager
	cancel         context.CancelFunc
}

func NewFileServer(cfg *config.Config, logger *zap.Logger) *FileServer {
	return &FileServer{cfg: cfg, logger: logger}
}

func (s *FileServer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("fedrun_files", registry, s.logger)

	files, err := newFileService(ctx, s.cfg, collector, s.logger)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(s.cfg.Central.JWTSecret, s.cfg.Central.JWTIssuer)

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck("storage", files.Ping)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	handlers.NewFileHandler(files, verifier, s.cfg.Server.MaxUploadBytes, s.logger).Register(mux)

	s.httpManager = server.NewManager(apiChain(ctx, mux, s.cfg.Server, verifier, collector, s.logger),
		httpServerConfig("filestore", s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	s.metricsManager = newMetricsManager(s.cfg.Server, registry, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.logger.Info("file storage service started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

func (s *FileServer) Errors() <-chan error { return s.httpManager.Errors() }

func (s *FileServer) Shutdown(ctx context.Context) {
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
}
