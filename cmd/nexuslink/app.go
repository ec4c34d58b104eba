package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nathikazad/nexus-link/internal/bridge"
	"github.com/nathikazad/nexus-link/internal/codec"
	"github.com/nathikazad/nexus-link/internal/config"
	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/monitor"
	"github.com/nathikazad/nexus-link/internal/pipeline"
	"github.com/nathikazad/nexus-link/internal/queue"
	"github.com/nathikazad/nexus-link/internal/server"
	"github.com/nathikazad/nexus-link/internal/transfer"
	"github.com/nathikazad/nexus-link/internal/transport"
)

// app holds the assembled daemon: one connected link and everything
// running on top of it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	transport *transport.BlueZTransport
	batcher   *queue.Batcher
	transfers *transfer.Manager
	hub       *monitor.Hub
	bridge    *bridge.Bridge
}

// buildApp connects to the device and wires the full component stack.
// sink receives decoded 24 kHz playback PCM.
func buildApp(cfg *config.Config, logger *slog.Logger, sink pipeline.Sink) (*app, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tr, err := transport.NewBlueZTransport(cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}

	enc, err := codec.NewOpusEncoder()
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	dec, err := codec.NewOpusDecoder()
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	batcher := queue.NewBatcher(bridge.NewAudioSender(tr), cfg.QueueSettings(), logger, m)
	transfers := transfer.NewManager(tr, cfg.TransferSettings(), logger, m)
	hub := monitor.NewHub(logger)

	capture := pipeline.NewCapture(enc, batcher, logger, m)
	playback := pipeline.NewPlayback(dec, sink, logger, m)

	b := bridge.New(tr, capture, playback, batcher, transfers, hub, logger, m)

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   m,
		transport: tr,
		batcher:   batcher,
		transfers: transfers,
		hub:       hub,
		bridge:    b,
	}, nil
}

// httpServer builds the monitoring server over the app's components.
func (a *app) httpServer() *server.HTTPServer {
	return server.NewHTTPServer(a.cfg.HTTP, a.logger, a.registry, a.hub, a.status)
}

// status snapshots the daemon for /status and /health.
func (a *app) status() server.Status {
	return server.Status{
		Connected:     a.transport.Connected(),
		MTU:           a.transport.MTU(),
		QueueDepth:    a.batcher.Depth(),
		FlowPaused:    a.batcher.Paused(),
		TransferState: a.transfers.State().String(),
		Observers:     a.hub.ClientCount(),
	}
}

// close tears the stack down in dependency order.
func (a *app) close() {
	a.bridge.Stop()
	a.hub.Close()
}
