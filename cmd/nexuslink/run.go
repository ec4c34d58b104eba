package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nathikazad/nexus-link/internal/audio"
)

func newRunCmd() *cobra.Command {
	var playbackPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the device and run the link daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(playbackPath)
		},
	}
	cmd.Flags().StringVar(&playbackPath, "playback-file", "playback.wav", "WAV file for decoded device audio")

	return cmd
}

func runDaemon(playbackPath string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Daemon starting",
		slog.String("device", cfg.Device.DeviceAddress),
		slog.String("adapter", cfg.Device.Adapter),
		slog.String("config_path", configPath),
	)

	sink := audio.NewWAVWriter(playbackPath, audio.SampleRate24k)
	a, err := buildApp(cfg, logger, sink)
	if err != nil {
		logger.Error("Failed to build daemon", slog.String("error", err.Error()))
		return err
	}

	if err := a.bridge.Start(); err != nil {
		logger.Error("Failed to start bridge", slog.String("error", err.Error()))
		a.close()
		return err
	}

	var httpSrv interface{ Stop(context.Context) error }
	if cfg.HTTP.Enabled {
		srv := a.httpServer()
		if err := srv.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			a.close()
			return err
		}
		httpSrv = srv
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Daemon started, waiting for signals...")
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	a.close()

	received := sink.Len()
	if err := sink.Close(); err != nil {
		logger.Error("Error writing playback file", slog.String("error", err.Error()))
	} else if received == 0 {
		logger.Info("No device audio received")
	} else {
		logger.Info("Playback audio written", slog.String("path", playbackPath))
	}

	logger.Info("Daemon stopped")
	return nil
}
