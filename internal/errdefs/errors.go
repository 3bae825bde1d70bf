package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoBackendAvailable is returned by the selector when every configured
// backend was probed and none produced a result. It is a sentinel, not a
// failure of the request itself: the caller decides whether a further
// fallback (e.g. a synchronous one-shot invocation) is appropriate.
var ErrNoBackendAvailable = errors.New("no backend available")

// ValidationError indicates bad caller input. It is surfaced immediately and
// never retried or counted against a circuit breaker.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// QueueFullError is returned when the pool's waiting queue is at capacity.
// The submission was not enqueued.
type QueueFullError struct {
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("task queue is full (limit %d)", e.Limit)
}

// ShuttingDownError is returned for submissions after shutdown began and for
// queued tasks that were rejected during drain.
type ShuttingDownError struct{}

func (e *ShuttingDownError) Error() string {
	return "executor is shutting down"
}

// CircuitOpenError is a fast-fail rejection from an open circuit breaker.
// RetryAfter estimates how long until the breaker admits a probe.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open (retry after %s)", e.RetryAfter)
}

// TimeoutError indicates an operation exceeded its deadline. The underlying
// resource has already been reclaimed when this is returned.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Timeout)
}

// ConnectionLostError indicates the bridge transport dropped while the
// request was in flight. All in-flight requests receive it at once.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to editor lost: %v", e.Cause)
	}
	return "connection to editor lost"
}

func (e *ConnectionLostError) Unwrap() error {
	return e.Cause
}

// CancelledError indicates the caller cancelled the operation locally. For
// bridge requests the wire message may still reach the peer; any late
// response is discarded.
type CancelledError struct {
	Operation string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("operation %s was cancelled", e.Operation)
}

// RemoteError is a business-level failure explicitly reported by the editor
// peer. It is the final answer for the request and does not count against
// any circuit breaker.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("editor error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("editor error: %s", e.Message)
}

// IsInfrastructure reports whether err is an infrastructure-class failure.
// Infrastructure failures count against circuit breakers and make the
// selector move on to the next backend; business-class failures
// (RemoteError, ValidationError) are terminal answers for the caller.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}

	var (
		timeout  *TimeoutError
		connLost *ConnectionLostError
		open     *CircuitOpenError
		full     *QueueFullError
		shutdown *ShuttingDownError
	)

	return errors.As(err, &timeout) ||
		errors.As(err, &connLost) ||
		errors.As(err, &open) ||
		errors.As(err, &full) ||
		errors.As(err, &shutdown)
}

// IsBusiness reports whether err is a business-class result that should be
// returned to the caller unchanged rather than retried or skipped.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}

	var (
		remote     *RemoteError
		validation *ValidationError
	)

	return errors.As(err, &remote) || errors.As(err, &validation)
}
