package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/config"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
)

// terminateGrace is how long a timed-out process gets between the graceful
// stop request and the forced kill.
const terminateGrace = 2 * time.Second

// Executor runs external editor operations on a bounded worker pool with a
// bounded FIFO admission queue. Dispatch is gated by a circuit breaker;
// timed-out processes are terminated with escalating force.
type Executor struct {
	config   config.PoolConfig
	breaker  *circuitbreaker.CircuitBreaker
	launcher Launcher
	logger   interfaces.SimpleLogger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	queue        chan *Task
	queued       int
	running      int
	shuttingDown bool

	forceStop chan struct{}
	wg        sync.WaitGroup
}

// NewExecutor creates and starts the pool's workers.
func NewExecutor(
	cfg config.PoolConfig,
	breaker *circuitbreaker.CircuitBreaker,
	launcher Launcher,
	logger interfaces.SimpleLogger,
	m *metrics.Metrics,
) *Executor {
	e := &Executor{
		config:    cfg,
		breaker:   breaker,
		launcher:  launcher,
		logger:    logger,
		metrics:   m,
		queue:     make(chan *Task, cfg.MaxQueueSize),
		forceStop: make(chan struct{}),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}

	return e
}

// Submit enqueues an operation and returns its task handle. It never blocks:
// a full queue rejects synchronously with QueueFullError, and submissions
// after Shutdown reject with ShuttingDownError.
func (e *Executor) Submit(op Operation) (*Task, error) {
	e.mu.Lock()

	if e.shuttingDown {
		e.mu.Unlock()
		e.metrics.TasksSubmitted.WithLabelValues("rejected_shutdown").Inc()
		return nil, &errdefs.ShuttingDownError{}
	}

	if e.queued >= e.config.MaxQueueSize {
		e.mu.Unlock()
		e.metrics.TasksSubmitted.WithLabelValues("rejected_queue_full").Inc()
		return nil, &errdefs.QueueFullError{Limit: e.config.MaxQueueSize}
	}

	task := newTask(uuid.New().String(), op)
	e.queued++
	// Send under the lock: queued < MaxQueueSize guarantees capacity, and
	// holding the lock keeps the send ordered against Shutdown's close.
	e.queue <- task
	e.mu.Unlock()

	e.metrics.TasksSubmitted.WithLabelValues("accepted").Inc()
	e.metrics.QueueDepth.Set(float64(e.QueuedCount()))

	return task, nil
}

// QueuedCount returns the number of tasks waiting for a worker.
func (e *Executor) QueuedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// RunningCount returns the number of tasks currently holding a worker slot.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ShuttingDown reports whether Shutdown has begun.
func (e *Executor) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// BreakerState exposes the pool breaker's snapshot.
func (e *Executor) BreakerState() circuitbreaker.Status {
	return e.breaker.GetState()
}

// Shutdown stops accepting work, rejects everything still queued, waits up
// to drainTimeout for running tasks, then force-terminates the rest. A zero
// drainTimeout uses the configured default.
func (e *Executor) Shutdown(drainTimeout time.Duration) {
	if drainTimeout <= 0 {
		drainTimeout = e.config.ShutdownTimeout
	}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.shuttingDown = true

	// Reject still-queued tasks immediately rather than letting workers
	// drain them.
drainLoop:
	for {
		select {
		case task := <-e.queue:
			e.queued--
			if task.resolve(TaskCancelled, nil, &errdefs.ShuttingDownError{}) {
				e.metrics.TasksCompleted.WithLabelValues(string(TaskCancelled)).Inc()
			}
		default:
			break drainLoop
		}
	}
	close(e.queue)
	e.mu.Unlock()
	e.metrics.QueueDepth.Set(0)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.LogWarning(context.Background(), "Pool drain timeout, force-terminating running tasks", map[string]interface{}{
			"drain_timeout": drainTimeout.String(),
		})
		close(e.forceStop)
		e.wg.Wait()
	}

	e.logger.LogInfo(context.Background(), "Process pool shut down", nil)
}

// workerLoop pulls tasks in FIFO order and runs them to a terminal state.
func (e *Executor) workerLoop(id int) {
	defer e.wg.Done()

	for task := range e.queue {
		e.mu.Lock()
		e.queued--
		draining := e.shuttingDown
		e.mu.Unlock()
		e.metrics.QueueDepth.Set(float64(e.QueuedCount()))

		// A task dequeued while Shutdown is draining the queue gets the
		// same rejection it would have gotten from the drain itself.
		if draining {
			if task.resolve(TaskCancelled, nil, &errdefs.ShuttingDownError{}) {
				e.metrics.TasksCompleted.WithLabelValues(string(TaskCancelled)).Inc()
			}
			continue
		}

		// Skip tasks already resolved by shutdown or cancellation.
		if task.State().Terminal() {
			continue
		}

		// Breaker gate sits at dispatch, after dequeue: a rejected task
		// resolves without spawning a process or occupying the slot.
		if !e.breaker.AllowRequest() {
			status := e.breaker.GetState()
			e.metrics.BreakerRejected.WithLabelValues("pool").Inc()
			if task.resolve(TaskFailed, nil, &errdefs.CircuitOpenError{RetryAfter: status.RetryAfter}) {
				e.metrics.TasksCompleted.WithLabelValues(string(TaskFailed)).Inc()
			}
			continue
		}

		if !task.markRunning() {
			continue
		}

		e.mu.Lock()
		e.running++
		e.mu.Unlock()
		e.metrics.TasksRunning.Inc()

		e.runTask(task)

		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.metrics.TasksRunning.Dec()
	}
}

// runTask executes one operation under its effective timeout and records the
// outcome against the breaker.
func (e *Executor) runTask(task *Task) {
	op := task.Operation

	timeout := e.config.TaskTimeout
	if op.Timeout > 0 {
		timeout = op.Timeout
	}

	handle := e.launcher(op)
	if err := handle.Start(); err != nil {
		e.breaker.RecordFailure()
		e.resolveTask(task, TaskFailed, nil, fmt.Errorf("failed to start %s: %w", op.Name, err))
		return
	}

	waitCh := make(chan waitOutcome, 1)
	go func() {
		result, err := handle.Wait()
		waitCh <- waitOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-waitCh:
		e.finishTask(task, outcome)

	case <-timer.C:
		e.terminate(handle, waitCh)
		e.breaker.RecordFailure()
		e.resolveTask(task, TaskTimedOut, nil, &errdefs.TimeoutError{
			Operation: op.Name,
			Timeout:   timeout,
		})

	case <-e.forceStop:
		_ = handle.Kill()
		<-waitCh
		e.resolveTask(task, TaskCancelled, nil, &errdefs.CancelledError{Operation: op.Name})
	}
}

type waitOutcome struct {
	result *Result
	err    error
}

// finishTask classifies a natural process exit.
func (e *Executor) finishTask(task *Task, outcome waitOutcome) {
	op := task.Operation

	if outcome.err != nil {
		e.breaker.RecordFailure()
		e.resolveTask(task, TaskFailed, nil, fmt.Errorf("operation %s: %w", op.Name, outcome.err))
		return
	}

	result := outcome.result
	if result.ExitCode == 0 {
		e.breaker.RecordSuccess()
		e.resolveTask(task, TaskSucceeded, result, nil)
		return
	}

	// A non-zero exit the caller declared as an expected business result is
	// a correct answer from the tool, not an infrastructure failure.
	if op.ExpectedFailure != nil && op.ExpectedFailure(result.ExitCode, result.Stderr) {
		e.breaker.RecordSuccess()
		e.resolveTask(task, TaskFailed, result, &errdefs.RemoteError{
			Code:    fmt.Sprintf("exit_%d", result.ExitCode),
			Message: result.Stderr,
		})
		return
	}

	e.breaker.RecordFailure()
	e.resolveTask(task, TaskFailed, result, fmt.Errorf("operation %s exited with code %d", op.Name, result.ExitCode))
}

// terminate escalates: graceful stop, grace period, then kill.
func (e *Executor) terminate(handle ProcessHandle, waitCh <-chan waitOutcome) {
	_ = handle.Stop()

	select {
	case <-waitCh:
		return
	case <-time.After(terminateGrace):
	}

	_ = handle.Kill()
	<-waitCh
}

func (e *Executor) resolveTask(task *Task, state TaskState, result *Result, err error) {
	if !task.resolve(state, result, err) {
		return
	}

	e.metrics.TasksCompleted.WithLabelValues(string(state)).Inc()

	if err != nil && state != TaskSucceeded {
		e.logger.LogWarning(context.Background(), "Task resolved with error", map[string]interface{}{
			"task_id":   task.ID,
			"operation": task.Operation.Name,
			"state":     string(state),
			"error":     err.Error(),
		})
	}
}
