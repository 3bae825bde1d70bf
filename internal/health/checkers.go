package health

import (
	"context"
	"fmt"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
)

// BridgeStatusReporter is the slice of the bridge the checker needs.
type BridgeStatusReporter interface {
	Status() bridge.Status
}

// BridgeChecker reports unhealthy when the editor connection is down or its
// breaker is open.
type BridgeChecker struct {
	reporter BridgeStatusReporter
}

func NewBridgeChecker(reporter BridgeStatusReporter) *BridgeChecker {
	return &BridgeChecker{reporter: reporter}
}

func (c *BridgeChecker) Name() string { return "bridge" }

func (c *BridgeChecker) Check(ctx context.Context) error {
	status := c.reporter.Status()
	if !status.Connected {
		return fmt.Errorf("editor connection down (reconnect attempts: %d)", status.ReconnectAttempts)
	}
	if status.CircuitState == circuitbreaker.StateOpen {
		return fmt.Errorf("bridge circuit breaker is open")
	}
	return nil
}

// PoolReporter is the slice of the process pool the checker needs.
type PoolReporter interface {
	QueuedCount() int
	RunningCount() int
	ShuttingDown() bool
	BreakerState() circuitbreaker.Status
}

// PoolChecker reports unhealthy when the pool cannot accept new work: it is
// shutting down, its queue is at capacity, or its breaker is open.
type PoolChecker struct {
	reporter  PoolReporter
	queueSize int
}

func NewPoolChecker(reporter PoolReporter, queueSize int) *PoolChecker {
	return &PoolChecker{reporter: reporter, queueSize: queueSize}
}

func (c *PoolChecker) Name() string { return "pool" }

func (c *PoolChecker) Check(ctx context.Context) error {
	if c.reporter.ShuttingDown() {
		return fmt.Errorf("pool is shutting down")
	}
	if queued := c.reporter.QueuedCount(); queued >= c.queueSize {
		return fmt.Errorf("pool queue saturated (%d/%d)", queued, c.queueSize)
	}
	if state := c.reporter.BreakerState(); state.State == circuitbreaker.StateOpen {
		return fmt.Errorf("pool circuit breaker is open")
	}
	return nil
}
