package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/config"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/health"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/logging"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/pool"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/selector"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: %s <serve|healthcheck>", os.Args[0])
	}

	switch command := os.Args[1]; command {
	case "serve":
		runServer()
	case "healthcheck":
		runHealthCheck()
	default:
		log.Fatalf("Unknown command: %s. Available commands: serve, healthcheck", command)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	m := metrics.New()

	poolBreaker := circuitbreaker.New(breakerConfig("pool", cfg.Breaker, logger, m))
	bridgeBreaker := circuitbreaker.New(breakerConfig("bridge", cfg.Breaker, logger, m))

	executor := pool.NewExecutor(cfg.Pool, poolBreaker, pool.NewExecLauncher(), logger, m)

	editorBridge := bridge.New(cfg.Plugin, bridgeBreaker, logger, m)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := editorBridge.Connect(connectCtx); err != nil {
		// The editor may simply not be running yet; the pool path still
		// serves, and POST /api/v1/bridge/reconnect brings the bridge up.
		logger.LogWarning(context.Background(), "Editor plugin not reachable at startup", map[string]interface{}{
			"url":   cfg.Plugin.URL(),
			"error": err.Error(),
		})
	}
	cancelConnect()

	sel := selector.New(selector.Config{}, logger, m)
	bridgeBackend := selector.NewBridgeBackend(editorBridge)
	poolBackend := selector.NewPoolBackend(executor, headlessTranslator(cfg.Pool))
	for _, class := range []selector.Class{
		selector.ClassScene,
		selector.ClassNode,
		selector.ClassScript,
		selector.ClassProject,
	} {
		sel.Register(class, bridgeBackend, poolBackend)
	}
	sel.SetMutationRoute(bridgeBackend, poolBackend)

	healthManager := health.NewManager(logger)
	healthManager.Register(health.NewBridgeChecker(editorBridge))
	healthManager.Register(health.NewPoolChecker(executor, cfg.Pool.MaxQueueSize))

	srv := server.New(cfg, &server.Dependencies{
		Logger:  logger,
		Router:  sel,
		Bridge:  editorBridge,
		Pool:    executor,
		Health:  healthManager,
		Metrics: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			logger.LogError(context.Background(), "Server failed", map[string]interface{}{
				"error": err.Error(),
			})
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.LogInfo(context.Background(), "Shutdown signal received", nil)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogError(context.Background(), "HTTP shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	executor.Shutdown(cfg.Pool.ShutdownTimeout)

	if err := editorBridge.Close(); err != nil {
		logger.LogError(context.Background(), "Bridge close error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.LogInfo(context.Background(), "Gateway shutdown complete", nil)
}

// runHealthCheck probes the running gateway's liveness endpoint. Used as a
// container health check.
func runHealthCheck() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/healthz", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Health check failed with status %d", resp.StatusCode)
	}

	log.Println("Health check passed")
}

func breakerConfig(name string, cfg config.BreakerConfig, logger interfaces.SimpleLogger, m *metrics.Metrics) circuitbreaker.Config {
	return circuitbreaker.Config{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
		ResetTimeout:     cfg.ResetTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		OnStateChange: func(breakerName string, from, to circuitbreaker.State) {
			m.SetBreakerState(breakerName, string(to))
			logger.LogWarning(context.Background(), "Circuit breaker state changed", map[string]interface{}{
				"breaker": breakerName,
				"from":    string(from),
				"to":      string(to),
			})
		},
	}
}

// headlessOpsScript is the editor-side entry point the pool path invokes.
// It reads an action name and a JSON params blob from the command line,
// performs the operation against the project on disk, and exits 0 on
// success or 1 with a diagnostic on stderr for a business-level failure.
const headlessOpsScript = "addons/gateway/headless_ops.gd"

// headlessTranslator maps routed operations onto headless editor
// invocations for the pool fallback path.
func headlessTranslator(cfg config.PoolConfig) selector.Translator {
	return func(req selector.Request) (pool.Operation, error) {
		params, err := json.Marshal(req.Params)
		if err != nil {
			return pool.Operation{}, &errdefs.ValidationError{Field: "params", Message: err.Error()}
		}

		return pool.Operation{
			Name:    string(req.Action),
			Command: cfg.EditorBin,
			Args: []string{
				"--headless",
				"--path", cfg.ProjectPath,
				"--script", headlessOpsScript,
				"--", string(req.Action), string(params),
			},
			// Exit code 1 is the script reporting a business failure, not
			// an editor crash.
			ExpectedFailure: func(exitCode int, stderr string) bool {
				return exitCode == 1
			},
		}, nil
	}
}
