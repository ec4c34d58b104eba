package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nathikazad/nexus-link/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "nexuslink",
		Short: "BLE voice and file link daemon",
		Long: `nexuslink maintains the GATT link to a wearable voice device:
it streams microphone audio to the device, plays back device audio,
and transfers files over the acknowledged transfer protocol.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newFilesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configured file and builds the logger from its
// logging section.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, initLogger(cfg.Logging), nil
}

// initLogger creates the structured logger from the logging section.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
