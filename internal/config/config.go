package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nathikazad/nexus-link/internal/queue"
	"github.com/nathikazad/nexus-link/internal/server"
	"github.com/nathikazad/nexus-link/internal/transfer"
	"github.com/nathikazad/nexus-link/internal/transport"
)

// Config represents the complete daemon configuration.
type Config struct {
	Device   transport.BlueZConfig `yaml:"device"`
	Queue    QueueConfig           `yaml:"queue"`
	Transfer TransferConfig        `yaml:"transfer"`
	HTTP     server.Config         `yaml:"http"`
	Logging  LoggingConfig         `yaml:"logging"`
}

// QueueConfig contains outbound batcher tuning.
type QueueConfig struct {
	FlushIntervalMs   int `yaml:"flush_interval_ms"`
	SendDelayMs       int `yaml:"send_delay_ms"`
	MaxBatchesPerTick int `yaml:"max_batches_per_tick"`
}

// TransferConfig contains file transfer protocol tuning.
type TransferConfig struct {
	RetryIntervalMs int `yaml:"retry_interval_ms"`
	MaxIdleTicks    int `yaml:"max_idle_ticks"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given. The
// device section has no usable default; it must always come from the
// file or flags.
func Default() *Config {
	return &Config{
		Device: transport.BlueZConfig{
			Adapter:    "hci0",
			DefaultMTU: 247,
		},
		Queue: QueueConfig{
			FlushIntervalMs:   1000,
			SendDelayMs:       100,
			MaxBatchesPerTick: 5,
		},
		Transfer: TransferConfig{
			RetryIntervalMs: 500,
			MaxIdleTicks:    120,
		},
		HTTP: server.Config{
			Address: "127.0.0.1",
			Port:    8090,
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if err := validateDevice(&c.Device); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}

	if err := validateHTTP(&c.HTTP); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateDevice validates the BLE device section.
func validateDevice(d *transport.BlueZConfig) error {
	if d.Adapter == "" {
		return fmt.Errorf("adapter cannot be empty")
	}

	if d.DeviceAddress == "" {
		return fmt.Errorf("device_address cannot be empty")
	}

	for name, uuid := range map[string]string{
		"service_uuid":   d.ServiceUUID,
		"audio_tx_uuid":  d.AudioTxUUID,
		"audio_rx_uuid":  d.AudioRxUUID,
		"file_tx_uuid":   d.FileTxUUID,
		"file_rx_uuid":   d.FileRxUUID,
		"file_ctrl_uuid": d.FileCtrlUUID,
	} {
		if uuid == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
	}

	// A data packet needs room for its sequence header under any MTU.
	if d.DefaultMTU < 23 {
		return fmt.Errorf("default_mtu must be at least 23 (BLE minimum), got %d", d.DefaultMTU)
	}

	return nil
}

// Validate validates outbound queue configuration.
func (q *QueueConfig) Validate() error {
	if q.FlushIntervalMs < 10 {
		return fmt.Errorf("flush_interval_ms must be at least 10, got %d", q.FlushIntervalMs)
	}

	if q.SendDelayMs < 0 {
		return fmt.Errorf("send_delay_ms cannot be negative, got %d", q.SendDelayMs)
	}

	if q.MaxBatchesPerTick < 1 {
		return fmt.Errorf("max_batches_per_tick must be at least 1, got %d", q.MaxBatchesPerTick)
	}

	return nil
}

// Validate validates transfer protocol configuration.
func (t *TransferConfig) Validate() error {
	if t.RetryIntervalMs < 10 {
		return fmt.Errorf("retry_interval_ms must be at least 10, got %d", t.RetryIntervalMs)
	}

	if t.MaxIdleTicks < 1 {
		return fmt.Errorf("max_idle_ticks must be at least 1, got %d", t.MaxIdleTicks)
	}

	return nil
}

// validateHTTP validates the HTTP endpoint section.
func validateHTTP(h *server.Config) error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// QueueSettings converts the queue section to the batcher's config.
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		FlushInterval:     time.Duration(c.Queue.FlushIntervalMs) * time.Millisecond,
		SendDelay:         time.Duration(c.Queue.SendDelayMs) * time.Millisecond,
		MaxBatchesPerTick: c.Queue.MaxBatchesPerTick,
	}
}

// TransferSettings converts the transfer section to the manager's config.
func (c *Config) TransferSettings() transfer.Config {
	base := transfer.DefaultConfig()
	base.RetryInterval = time.Duration(c.Transfer.RetryIntervalMs) * time.Millisecond
	base.MaxIdleTicks = c.Transfer.MaxIdleTicks
	return base
}
