package pool

import (
	"context"
	"sync"
	"time"
)

// TaskState is the lifecycle state of a submitted task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is a terminal outcome.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Operation describes one external, killable editor invocation.
type Operation struct {
	Name    string
	Command string
	Args    []string
	Dir     string

	// Timeout overrides the pool's default task timeout when positive. The
	// override changes only this task's deadline; the task still queues and
	// passes the circuit breaker gate like any other.
	Timeout time.Duration

	// ExpectedFailure classifies a non-zero exit as a correct business
	// result (for example, the tool properly reporting invalid input)
	// instead of an infrastructure failure. Supplied by the caller; the
	// pool never guesses.
	ExpectedFailure func(exitCode int, stderr string) bool
}

// Result is the captured output of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Task is the pool's handle for one submitted operation. It resolves to
// exactly one terminal state; Wait blocks until then.
type Task struct {
	ID          string
	Operation   Operation
	SubmittedAt time.Time

	mu     sync.Mutex
	state  TaskState
	result *Result
	err    error
	done   chan struct{}
}

func newTask(id string, op Operation) *Task {
	return &Task{
		ID:          id,
		Operation:   op,
		SubmittedAt: time.Now(),
		state:       TaskQueued,
		done:        make(chan struct{}),
	}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx expires. A ctx expiry does not
// cancel the task itself; the pool still drives it to a terminal state.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markRunning moves a queued task to running. Returns false if the task was
// already claimed or resolved (e.g. rejected during shutdown).
func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TaskQueued {
		return false
	}
	t.state = TaskRunning
	return true
}

// resolve moves the task to a terminal state. Only the first call has any
// effect; later calls are no-ops, so completion, timeout and cancellation
// can race safely.
func (t *Task) resolve(state TaskState, result *Result, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return false
	}

	t.state = state
	t.result = result
	t.err = err
	close(t.done)
	return true
}
