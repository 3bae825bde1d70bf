package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 50, cfg.Pool.MaxQueueSize)
	assert.Equal(t, 60*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, 10*time.Second, cfg.Pool.ShutdownTimeout)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)

	assert.Equal(t, 6505, cfg.Plugin.Port)
	assert.Equal(t, 30*time.Second, cfg.Plugin.RequestTimeout)
	assert.Equal(t, 5, cfg.Plugin.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Plugin.ReconnectInterval)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_MAX_WORKERS", "8")
	t.Setenv("GATEWAY_PLUGIN_PORT", "7000")
	t.Setenv("GATEWAY_TASK_TIMEOUT_MS", "120000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 7000, cfg.Plugin.Port)
	assert.Equal(t, 120*time.Second, cfg.Pool.TaskTimeout)
}

func TestLoad_OutOfRangeFallsBackToDefault(t *testing.T) {
	t.Setenv("GATEWAY_MAX_WORKERS", "64")          // above max 16
	t.Setenv("GATEWAY_MAX_QUEUE_SIZE", "0")        // below min 1
	t.Setenv("GATEWAY_PLUGIN_PORT", "80")          // below min 1024
	t.Setenv("GATEWAY_TASK_TIMEOUT_MS", "500")     // below min 1000
	t.Setenv("GATEWAY_BREAKER_FAILURE_THRESHOLD", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 50, cfg.Pool.MaxQueueSize)
	assert.Equal(t, 6505, cfg.Plugin.Port)
	assert.Equal(t, 60*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoad_InvalidValueFallsBackToDefault(t *testing.T) {
	t.Setenv("GATEWAY_MAX_WORKERS", "not-a-number")
	t.Setenv("GATEWAY_PLUGIN_RECONNECT_INTERVAL_MS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 3*time.Second, cfg.Plugin.ReconnectInterval)
}

func TestLoad_ReconnectAttemptsZeroIsValid(t *testing.T) {
	t.Setenv("GATEWAY_PLUGIN_MAX_RECONNECT_ATTEMPTS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Plugin.MaxReconnectAttempts)
}

func TestPluginConfig_URL(t *testing.T) {
	p := PluginConfig{Port: 6505}
	assert.Equal(t, "ws://localhost:6505", p.URL())
}
