// Package metrics exposes the engine's Prometheus endpoint and the
// healthcheck derived from the published sync status.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/KONFeature/ponder/internal/metastore"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ponder_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ponder_goroutines",
			Help: "Number of active goroutines",
		},
	)

	memoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

// StatusSource supplies the published sync status for /health.
type StatusSource interface {
	GetStatus(ctx context.Context) (metastore.Status, error)
}

// Server is the HTTP server that exposes Prometheus metrics and health.
type Server struct {
	config *config.MetricsConfig
	status StatusSource

	// maxStartupDuration forces /health healthy after the grace period even
	// if catch-up is still running, so orchestrators don't kill long
	// back-fills.
	maxStartupDuration time.Duration

	server *http.Server
}

// NewServer creates a new metrics server. status may be nil, in which case
// /health always reports healthy.
func NewServer(cfg *config.MetricsConfig, status StatusSource, maxStartupDuration time.Duration) *Server {
	return &Server{
		config:             cfg,
		status:             status,
		maxStartupDuration: maxStartupDuration,
	}
}

// Start starts the metrics HTTP server and the system metrics updater.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.updateSystemMetrics(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.status == nil || time.Since(startTime) > s.maxStartupDuration {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	status, err := s.status.GetStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	for _, chainStatus := range status {
		if !chainStatus.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(status)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) updateSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uptime.Set(time.Since(startTime).Seconds())
			goroutines.Set(float64(runtime.NumGoroutine()))

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			memoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
			memoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
			memoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
		}
	}
}
