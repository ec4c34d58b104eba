package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nathikazad/nexus-link/internal/monitor"
)

// Config contains HTTP server configuration.
type Config struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// Status is the snapshot served by /status.
type Status struct {
	Connected     bool   `json:"connected"`
	MTU           uint16 `json:"mtu"`
	QueueDepth    int    `json:"queue_depth"`
	FlowPaused    bool   `json:"flow_paused"`
	TransferState string `json:"transfer_state"`
	Observers     int    `json:"observers"`
}

// StatusFunc produces the current daemon status for /status and /health.
type StatusFunc func() Status

// HTTPServer provides the monitoring endpoints.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	hub       *monitor.Hub
	status    StatusFunc
	startTime time.Time
}

// NewHTTPServer creates the monitoring server. reg is the registry the
// daemon's metrics live in; hub handles /ws upgrades.
func NewHTTPServer(cfg Config, logger *slog.Logger, reg *prometheus.Registry, hub *monitor.Hub, status StatusFunc) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		hub:       hub,
		status:    status,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/ws", hub)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Start launches the listener in the background.
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.status()
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name": "nexus-link",
		},
		"components": map[string]interface{}{
			"link": map[string]interface{}{
				"connected": status.Connected,
				"mtu":       status.MTU,
			},
			"outbound_queue": map[string]interface{}{
				"depth":  status.QueueDepth,
				"paused": status.FlowPaused,
			},
			"transfer": map[string]interface{}{
				"state": status.TransferState,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStatus implements the /status endpoint.
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.status())
}
