package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Workers:                2,
		MaxConnectionsPerRoute: 10,
		SlotCapacity:           8192,
		TaskQueueSize:          1024,
		CommandQueueSize:       64,
		RoutesReloadInterval:   time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: "workers must be between 1 and 255",
		},
		{
			name:    "too many workers",
			mutate:  func(c *Config) { c.Workers = 256 },
			wantErr: "workers must be between 1 and 255",
		},
		{
			name:    "zero max connections",
			mutate:  func(c *Config) { c.MaxConnectionsPerRoute = 0 },
			wantErr: "max connections per route must be positive",
		},
		{
			name:    "zero slot capacity",
			mutate:  func(c *Config) { c.SlotCapacity = 0 },
			wantErr: "slot capacity must be positive",
		},
		{
			name:    "zero task queue",
			mutate:  func(c *Config) { c.TaskQueueSize = 0 },
			wantErr: "task queue size must be positive",
		},
		{
			name:    "zero command queue",
			mutate:  func(c *Config) { c.CommandQueueSize = 0 },
			wantErr: "command queue size must be positive",
		},
		{
			name:    "negative reload interval",
			mutate:  func(c *Config) { c.RoutesReloadInterval = -time.Second },
			wantErr: "routes reload interval cannot be negative",
		},
		{
			name:    "routes file and health are optional",
			mutate:  func(c *Config) { c.RoutesFile, c.HealthAddr = "", "" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_WorkerConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	wc := cfg.WorkerConfig()
	assert.Equal(t, 10, wc.Pool.MaxConnectionsPerRoute)
	assert.Equal(t, 8192, wc.SlotCapacity)
	assert.Equal(t, 1024, wc.TaskQueueSize)
}

func TestSetupFlags(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "test"}
	SetupFlags(cmd)

	flags := []string{
		"workers", "max-connections-per-route", "slot-capacity", "task-queue-size",
		"command-queue-size", "routes-file", "routes-reload-interval",
		"health-addr", "log-level",
	}

	for _, flag := range flags {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %s should exist", flag)
	}

	assert.Equal(t, "10", cmd.Flags().Lookup("max-connections-per-route").DefValue)
	assert.Equal(t, "8192", cmd.Flags().Lookup("slot-capacity").DefValue)
	assert.Equal(t, "1000", cmd.Flags().Lookup("routes-reload-interval").DefValue)
}

func TestLoad_Defaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	SetupFlags(cmd)
	v := viper.New()
	require.NoError(t, BindFlags(cmd, v))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 10, cfg.MaxConnectionsPerRoute)
	assert.Equal(t, 8192, cfg.SlotCapacity)
	assert.Equal(t, time.Second, cfg.RoutesReloadInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("H1RELAY_WORKERS", "4")
	t.Setenv("H1RELAY_SLOT_CAPACITY", "16384")
	t.Setenv("H1RELAY_ROUTES_FILE", "/etc/h1relay/routes.yaml")

	cmd := &cobra.Command{Use: "test"}
	SetupFlags(cmd)
	v := viper.New()
	require.NoError(t, BindFlags(cmd, v))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 16384, cfg.SlotCapacity)
	assert.Equal(t, "/etc/h1relay/routes.yaml", cfg.RoutesFile)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("H1RELAY_WORKERS", "0")

	cmd := &cobra.Command{Use: "test"}
	SetupFlags(cmd)
	v := viper.New()
	require.NoError(t, BindFlags(cmd, v))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestGetEnvWithFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		defaultVal string
		envVars    []string
		envValues  map[string]string
		want       string
	}{
		{
			name:       "returns default when no env vars set",
			defaultVal: ":8080",
			envVars:    []string{"TEST_PORT_1", "TEST_PORT_2"},
			envValues:  map[string]string{},
			want:       ":8080",
		},
		{
			name:       "returns first env var when set",
			defaultVal: ":8080",
			envVars:    []string{"TEST_PORT_1", "TEST_PORT_2"},
			envValues:  map[string]string{"TEST_PORT_1": ":9090"},
			want:       ":9090",
		},
		{
			name:       "returns second env var when first not set",
			defaultVal: ":8080",
			envVars:    []string{"TEST_PORT_1", "TEST_PORT_2"},
			envValues:  map[string]string{"TEST_PORT_2": ":9091"},
			want:       ":9091",
		},
		{
			name:       "prepends colon for port-only value",
			defaultVal: ":8080",
			envVars:    []string{"TEST_PORT"},
			envValues:  map[string]string{"TEST_PORT": "3000"},
			want:       ":3000",
		},
		{
			name:       "does not prepend colon when address has colon",
			defaultVal: ":8080",
			envVars:    []string{"TEST_PORT"},
			envValues:  map[string]string{"TEST_PORT": "0.0.0.0:3000"},
			want:       "0.0.0.0:3000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set env vars
			for k, v := range tt.envValues {
				t.Setenv(k, v)
			}

			got := getEnvWithFallbacks(tt.defaultVal, tt.envVars...)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_EnvFallbacks(t *testing.T) {
	t.Run("uses HTTP_PORT for health address", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "9090")

		v := viper.New()
		v.Set("workers", 1)
		v.Set("max-connections-per-route", 10)
		v.Set("slot-capacity", 8192)
		v.Set("task-queue-size", 16)
		v.Set("command-queue-size", 16)
		v.Set("health-addr", defaultHealthAddr) // default value

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.HealthAddr)
	})

	t.Run("explicit flag overrides env var", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "9090")

		v := viper.New()
		v.Set("workers", 1)
		v.Set("max-connections-per-route", 10)
		v.Set("slot-capacity", 8192)
		v.Set("task-queue-size", 16)
		v.Set("command-queue-size", 16)
		v.Set("health-addr", ":7070")

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.HealthAddr)
	})
}
