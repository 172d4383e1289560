package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arsac/h1relay/internal/control"
	"github.com/arsac/h1relay/internal/engine"
	"github.com/arsac/h1relay/internal/stream"
)

// Default configuration values.
const (
	defaultWorkers              = 1
	defaultReloadIntervalMillis = 1000
	defaultHealthAddr           = ":8080"
	defaultLogLevel             = "info"
)

// maxWorkers leaves the last owner tag to the control plane.
const maxWorkers = stream.MaxOwners - 1

// Config contains configuration for the relay.
type Config struct {
	// Engine
	Workers                int
	MaxConnectionsPerRoute int
	SlotCapacity           int // Largest header block, and request data held per stalled target
	TaskQueueSize          int

	// Control plane
	CommandQueueSize     int
	RoutesFile           string // Empty disables file-driven routing
	RoutesReloadInterval time.Duration

	// Health server
	HealthAddr string // HTTP health endpoint address (e.g., ":8080")

	LogLevel string
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > maxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", maxWorkers)
	}
	if c.MaxConnectionsPerRoute < 1 {
		return errors.New("max connections per route must be positive")
	}
	if c.SlotCapacity < 1 {
		return errors.New("slot capacity must be positive")
	}
	if c.TaskQueueSize < 1 {
		return errors.New("task queue size must be positive")
	}
	if c.CommandQueueSize < 1 {
		return errors.New("command queue size must be positive")
	}
	if c.RoutesReloadInterval < 0 {
		return errors.New("routes reload interval cannot be negative")
	}
	return nil
}

// WorkerConfig returns the engine settings shared by every worker.
func (c *Config) WorkerConfig() engine.WorkerConfig {
	return engine.WorkerConfig{
		Pool:          engine.PoolConfig{MaxConnectionsPerRoute: c.MaxConnectionsPerRoute},
		SlotCapacity:  c.SlotCapacity,
		TaskQueueSize: c.TaskQueueSize,
	}
}

// SetupFlags sets up flags for the serve command.
func SetupFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.Int("workers", defaultWorkers, "Number of engine workers")
	flags.Int("max-connections-per-route", engine.DefaultMaxConnectionsPerRoute,
		"Maximum live upstream connections per (target, ref)")
	flags.Int("slot-capacity", engine.DefaultSlotCapacity,
		"Buffer slot size in bytes, also the header block limit")
	flags.Int("task-queue-size", engine.DefaultTaskQueueSize, "Pending tasks per worker")
	flags.Int("command-queue-size", control.DefaultCommandQueueSize, "Pending control commands")
	flags.String("routes-file", "", "Routes file to apply and watch (empty to disable)")
	flags.Int("routes-reload-interval", defaultReloadIntervalMillis,
		"Minimum milliseconds between routes file reloads")
	flags.String("health-addr", defaultHealthAddr, "HTTP health endpoint address (empty to disable)")
	flags.String("log-level", defaultLogLevel, "Log level (debug, info, warn, error)")
}

// BindFlags binds serve command flags to viper.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix("H1RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := []string{
		"workers", "max-connections-per-route", "slot-capacity", "task-queue-size",
		"command-queue-size", "routes-file", "routes-reload-interval",
		"health-addr", "log-level",
	}

	for _, flag := range flags {
		if err := v.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}

	return nil
}

// Load loads the relay configuration from viper.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Workers:                v.GetInt("workers"),
		MaxConnectionsPerRoute: v.GetInt("max-connections-per-route"),
		SlotCapacity:           v.GetInt("slot-capacity"),
		TaskQueueSize:          v.GetInt("task-queue-size"),
		CommandQueueSize:       v.GetInt("command-queue-size"),
		RoutesFile:             v.GetString("routes-file"),
		RoutesReloadInterval:   time.Duration(v.GetInt("routes-reload-interval")) * time.Millisecond,
		HealthAddr:             v.GetString("health-addr"),
		LogLevel:               v.GetString("log-level"),
	}

	// Support conventional env vars as fallbacks
	if cfg.HealthAddr == defaultHealthAddr {
		cfg.HealthAddr = getEnvWithFallbacks(cfg.HealthAddr, "HTTP_PORT", "HEALTH_PORT")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnvWithFallbacks returns the first non-empty env var value, or the default.
// Port-only values (e.g., "8080") get a ":" prefix.
func getEnvWithFallbacks(defaultVal string, envVars ...string) string {
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			if !strings.Contains(val, ":") {
				val = ":" + val
			}
			return val
		}
	}
	return defaultVal
}
