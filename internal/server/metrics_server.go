package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/logstore/internal/health"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and health probes over HTTP for a
// process embedding the store
type MetricsServer struct {
	httpServer      *http.Server
	router          *mux.Router
	store           health.Store
	health          *health.HealthChecker
	logger          *zap.Logger
	refreshInterval time.Duration
	stopChan        chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// RefreshInterval is how often store gauges are refreshed from Stats
	RefreshInterval time.Duration
}

// NewMetricsServer creates a new metrics server exposing gatherer on cfg.Path
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, store health.Store, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Second
	}

	router := mux.NewRouter()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:          router,
		store:           store,
		health:          checker,
		logger:          logger,
		refreshInterval: cfg.RefreshInterval,
		stopChan:        make(chan struct{}),
	}

	router.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", checker.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", ms.statsHandler).Methods(http.MethodGet)

	return ms
}

// Handler returns the router serving every endpoint
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.refreshStoreMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// statsHandler reports the store's Stats snapshot as JSON
func (s *MetricsServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store.IsClosed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"closed"}`)
		return
	}
	if err := json.NewEncoder(w).Encode(s.store.Stats()); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}

// refreshStoreMetrics periodically pulls Stats so store gauges stay current
// between operations
func (s *MetricsServer) refreshStoreMetrics() {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.store.IsClosed() {
				s.store.Stats()
			}
		case <-s.stopChan:
			return
		}
	}
}
