// Package selector routes an operation to one of several independent
// execution paths. Each operation class has a priority-ordered list of
// backends; candidates are probed for availability before the real call so
// an unreachable backend costs a short probe timeout instead of a full
// request timeout.
package selector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
)

const defaultProbeTimeout = 2 * time.Second

// Class tags an operation with the kind of execution path it needs.
type Class string

const (
	ClassScene   Class = "scene"
	ClassNode    Class = "node"
	ClassScript  Class = "script"
	ClassProject Class = "project"
)

// Request is one logical operation to route.
type Request struct {
	Class   Class
	Action  bridge.Action
	Params  interface{}
	Timeout time.Duration
}

// Backend is one execution path capable of servicing an operation class.
// Probe must be cheap; it answers "is this path worth trying at all", not
// "will the call succeed".
type Backend interface {
	Name() string
	Probe(ctx context.Context) error
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// HealthReporter is implemented by backends that can answer the health
// question synchronously, without a probe round trip.
type HealthReporter interface {
	Healthy() bool
}

// Config holds selector tunables.
type Config struct {
	// ProbeTimeout bounds each availability probe. Zero uses the default.
	ProbeTimeout time.Duration
}

// Selector holds the per-class backend priority lists. Backend health is
// never cached between invocations; a backend may appear or disappear
// between calls.
type Selector struct {
	probeTimeout time.Duration
	logger       interfaces.SimpleLogger
	metrics      *metrics.Metrics

	mu               sync.RWMutex
	routes           map[Class][]Backend
	mutationPrimary  Backend
	mutationFallback Backend
}

func New(cfg Config, logger interfaces.SimpleLogger, m *metrics.Metrics) *Selector {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &Selector{
		probeTimeout: probeTimeout,
		logger:       logger,
		metrics:      m,
		routes:       make(map[Class][]Backend),
	}
}

// Register sets the priority list for a class. Earlier backends are tried
// first.
func (s *Selector) Register(class Class, backends ...Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[class] = append([]Backend(nil), backends...)
}

// SetMutationRoute configures the direct path mutating operations take:
// primary when it reports healthy, otherwise fallback.
func (s *Selector) SetMutationRoute(primary, fallback Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutationPrimary = primary
	s.mutationFallback = fallback
}

// Execute tries the class's backends in priority order and returns the
// first successful result. Unavailable backends are skipped, infrastructure
// failures fall through to the next candidate, and a business-level failure
// is the final answer. When every candidate is exhausted it returns
// errdefs.ErrNoBackendAvailable.
func (s *Selector) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	s.mu.RLock()
	backends := s.routes[req.Class]
	s.mu.RUnlock()

	if len(backends) == 0 {
		return nil, errdefs.ErrNoBackendAvailable
	}

	available := s.probeAll(ctx, backends)

	for i, backend := range backends {
		if probeErr := available[i]; probeErr != nil {
			s.metrics.BackendAttempts.WithLabelValues(backend.Name(), "unavailable").Inc()
			s.logger.LogInfo(ctx, "Backend unavailable, trying next", map[string]interface{}{
				"backend": backend.Name(),
				"class":   string(req.Class),
				"error":   probeErr.Error(),
			})
			continue
		}

		result, err := backend.Execute(ctx, req)
		if err == nil {
			s.metrics.BackendAttempts.WithLabelValues(backend.Name(), "success").Inc()
			return result, nil
		}

		if errdefs.IsBusiness(err) {
			// The peer answered; a negative answer is still an answer.
			s.metrics.BackendAttempts.WithLabelValues(backend.Name(), "business_error").Inc()
			return nil, err
		}

		s.metrics.BackendAttempts.WithLabelValues(backend.Name(), "error").Inc()
		s.logger.LogWarning(ctx, "Backend failed, trying next", map[string]interface{}{
			"backend": backend.Name(),
			"class":   string(req.Class),
			"action":  string(req.Action),
			"error":   err.Error(),
		})
	}

	return nil, errdefs.ErrNoBackendAvailable
}

// ExecuteMutation bypasses the priority-list logic: mutating operations go
// to the primary backend when it is healthy, otherwise straight to the
// fallback. Mutations are never retried across backends because a retry
// after an ambiguous failure could apply the change twice.
func (s *Selector) ExecuteMutation(ctx context.Context, req Request) (json.RawMessage, error) {
	s.mu.RLock()
	primary, fallback := s.mutationPrimary, s.mutationFallback
	s.mu.RUnlock()

	if primary == nil && fallback == nil {
		return nil, errdefs.ErrNoBackendAvailable
	}

	backend := fallback
	if primary != nil && backendHealthy(ctx, primary, s.probeTimeout) {
		backend = primary
	}
	if backend == nil {
		return nil, errdefs.ErrNoBackendAvailable
	}

	result, err := backend.Execute(ctx, req)
	if err != nil {
		outcome := "error"
		if errdefs.IsBusiness(err) {
			outcome = "business_error"
		}
		s.metrics.BackendAttempts.WithLabelValues(backend.Name(), outcome).Inc()
		return nil, err
	}

	s.metrics.BackendAttempts.WithLabelValues(backend.Name(), "success").Inc()
	return result, nil
}

// probeAll probes every candidate concurrently, each under its own timeout,
// so a stuck backend never delays learning about the others.
func (s *Selector) probeAll(ctx context.Context, backends []Backend) []error {
	results := make([]error, len(backends))

	var wg sync.WaitGroup
	for i, backend := range backends {
		wg.Add(1)
		go func(i int, backend Backend) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			defer cancel()
			results[i] = backend.Probe(probeCtx)
		}(i, backend)
	}
	wg.Wait()

	return results
}

func backendHealthy(ctx context.Context, backend Backend, probeTimeout time.Duration) bool {
	if reporter, ok := backend.(HealthReporter); ok {
		return reporter.Healthy()
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return backend.Probe(probeCtx) == nil
}
