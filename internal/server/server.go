// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/indexer"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/processor"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const systemMetricsInterval = 30 * time.Second

// IndexerStatus reports indexer progress
type IndexerStatus interface {
	Stats() indexer.Stats
}

// ProcessorStatus reports processing counters
type ProcessorStatus interface {
	GetStats() processor.ProcessorStats
}

// Option configures an HTTPServer
type Option func(*HTTPServer)

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *HTTPServer) { s.gatherer = g }
}

// WithVersion sets the version reported by the health endpoint
func WithVersion(version string) Option {
	return func(s *HTTPServer) { s.version = version }
}

// HTTPServer serves the read API, health and metrics
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	indexer        IndexerStatus
	processor      ProcessorStatus
	metricsManager *metrics.Manager
	gatherer       prometheus.Gatherer
	version        string
	logger         *logrus.Entry

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewHTTPServer creates a new HTTP server. indexer, processor and
// metricsManager may be nil.
func NewHTTPServer(
	cfg *config.ServerConfig,
	store storage.Storage,
	idx IndexerStatus,
	proc ProcessorStatus,
	metricsManager *metrics.Manager,
	opts ...Option,
) *HTTPServer {
	s := &HTTPServer{
		config:         cfg,
		storage:        store,
		indexer:        idx,
		processor:      proc,
		metricsManager: metricsManager,
		version:        "1.0.0",
		logger:         utils.ComponentLogger("http"),
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET", "OPTIONS")
		api.HandleFunc("/status", s.statusHandler).Methods("GET", "OPTIONS")
	}

	if s.config.EnableMetrics {
		if s.gatherer != nil {
			s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		} else {
			s.router.Handle("/metrics", promhttp.Handler())
		}
	}

	// Positions and history
	api.HandleFunc("/positions/{address}", s.positionsHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/events/{address}", s.eventsHandler).Methods("GET", "OPTIONS")

	// Markets
	api.HandleFunc("/markets", s.marketsHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/markets/{asset}/history", s.marketHistoryHandler).Methods("GET", "OPTIONS")

	// Liquidations
	api.HandleFunc("/liquidations", s.liquidationsHandler).Methods("GET", "OPTIONS")
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate bind errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// systemMetricsUpdater refreshes runtime and component gauges
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateComponentMetrics()
		}
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	pm := s.metricsManager.GetPrometheusMetrics()
	pm.UpdateComponentHealth("storage", s.storage.Ping() == nil)
	if s.indexer != nil {
		pm.UpdateComponentHealth("indexer", s.indexer.Stats().State != indexer.StateStopped.String())
	}
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		entry := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP client error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}
