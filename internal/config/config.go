package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/logging"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Pool    PoolConfig     `yaml:"pool"`
	Breaker BreakerConfig  `yaml:"breaker"`
	Plugin  PluginConfig   `yaml:"plugin"`
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig represents the HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig bounds the headless process pool.
type PoolConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EditorBin       string        `yaml:"editor_bin"`
	ProjectPath     string        `yaml:"project_path"`
}

// BreakerConfig configures a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// PluginConfig configures the bridge to the editor plugin.
type PluginConfig struct {
	Port                 int           `yaml:"port"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
}

// URL returns the WebSocket URL of the editor plugin.
func (p *PluginConfig) URL() string {
	return fmt.Sprintf("ws://localhost:%d", p.Port)
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variable overrides. Every bounded setting
// silently falls back to its default when the supplied value is invalid or
// out of range; Load never fails on bad numeric input.
func Load() (*Config, error) {
	cfg := defaults()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxWorkers:      4,
			MaxQueueSize:    50,
			TaskTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EditorBin:       "godot",
			ProjectPath:     ".",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 3,
		},
		Plugin: PluginConfig{
			Port:                 6505,
			RequestTimeout:       30 * time.Second,
			MaxReconnectAttempts: 5,
			ReconnectInterval:    3 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// applyEnv overrides bounded settings from the environment. Each setting is
// validated against its documented range; invalid or out-of-range values are
// ignored in favor of the current (default or file-provided) value.
func applyEnv(cfg *Config) {
	cfg.Server.Port = envInt("GATEWAY_HTTP_PORT", cfg.Server.Port, 1024, 65535)
	cfg.Server.ShutdownTimeout = envDurationMs("GATEWAY_HTTP_SHUTDOWN_TIMEOUT_MS", cfg.Server.ShutdownTimeout, 1000)

	cfg.Pool.MaxWorkers = envInt("GATEWAY_MAX_WORKERS", cfg.Pool.MaxWorkers, 1, 16)
	cfg.Pool.MaxQueueSize = envInt("GATEWAY_MAX_QUEUE_SIZE", cfg.Pool.MaxQueueSize, 1, 1000)
	cfg.Pool.TaskTimeout = envDurationMs("GATEWAY_TASK_TIMEOUT_MS", cfg.Pool.TaskTimeout, 1000)
	cfg.Pool.ShutdownTimeout = envDurationMs("GATEWAY_SHUTDOWN_TIMEOUT_MS", cfg.Pool.ShutdownTimeout, 1000)
	if bin := os.Getenv("GATEWAY_EDITOR_BIN"); bin != "" {
		cfg.Pool.EditorBin = bin
	}
	if path := os.Getenv("GATEWAY_PROJECT_PATH"); path != "" {
		cfg.Pool.ProjectPath = path
	}

	cfg.Breaker.FailureThreshold = envInt("GATEWAY_BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold, 1, 100)
	cfg.Breaker.FailureWindow = envDurationMs("GATEWAY_BREAKER_FAILURE_WINDOW_MS", cfg.Breaker.FailureWindow, 1000)
	cfg.Breaker.ResetTimeout = envDurationMs("GATEWAY_BREAKER_RESET_TIMEOUT_MS", cfg.Breaker.ResetTimeout, 1000)
	cfg.Breaker.SuccessThreshold = envInt("GATEWAY_BREAKER_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold, 1, 20)

	cfg.Plugin.Port = envInt("GATEWAY_PLUGIN_PORT", cfg.Plugin.Port, 1024, 65535)
	cfg.Plugin.RequestTimeout = envDurationMs("GATEWAY_PLUGIN_REQUEST_TIMEOUT_MS", cfg.Plugin.RequestTimeout, 1000)
	cfg.Plugin.MaxReconnectAttempts = envInt("GATEWAY_PLUGIN_MAX_RECONNECT_ATTEMPTS", cfg.Plugin.MaxReconnectAttempts, 0, 100)
	cfg.Plugin.ReconnectInterval = envDurationMs("GATEWAY_PLUGIN_RECONNECT_INTERVAL_MS", cfg.Plugin.ReconnectInterval, 500)

	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
			cfg.Logging.Level = level
		}
	}
}

// envInt reads an integer environment variable bounded by [min, max].
// Unparseable or out-of-range values leave the fallback untouched.
func envInt(key string, fallback, min, max int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return fallback
	}
	return value
}

// envDurationMs reads a millisecond-valued environment variable with a lower
// bound. Unparseable or out-of-range values leave the fallback untouched.
func envDurationMs(key string, fallback time.Duration, minMs int64) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < minMs {
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}
