// Package health runs periodic background checks against the gateway's
// dependencies and caches the results so the status endpoint never blocks
// on a slow dependency. These cached checks are separate from the
// selector's per-call availability probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
)

const (
	defaultCacheTimeout  = 15 * time.Second
	defaultCheckInterval = 10 * time.Second
	checkTimeout         = 5 * time.Second
	maxConcurrentChecks  = 3
)

// Status is one dependency's most recent check result.
type Status struct {
	State     string    `json:"state"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
}

// Checker answers whether one dependency is usable right now.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Manager caches checker results and refreshes them on a background loop.
type Manager struct {
	logger interfaces.SimpleLogger

	cacheTimeout  time.Duration
	checkInterval time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	statuses map[string]*Status
	running  bool

	stop chan struct{}
}

func NewManager(logger interfaces.SimpleLogger) *Manager {
	return &Manager{
		logger:        logger,
		cacheTimeout:  defaultCacheTimeout,
		checkInterval: defaultCheckInterval,
		checkers:      make(map[string]Checker),
		statuses:      make(map[string]*Status),
		stop:          make(chan struct{}),
	}
}

// Register adds a checker. Its status starts unknown until the first pass.
func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	m.checkers[name] = checker
	m.statuses[name] = &Status{State: "unknown"}
}

// Start begins the background refresh loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.loop()

	m.logger.LogInfo(context.Background(), "Health manager started", map[string]interface{}{
		"check_interval": m.checkInterval.String(),
		"checkers":       len(m.checkers),
	})
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stop)
}

// GetStatus returns the cached status for one dependency. Results older
// than the cache window are reported as stale rather than trusted.
func (m *Manager) GetStatus(name string) *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	if !ok {
		return &Status{State: "unknown", Error: "checker not registered"}
	}
	return m.snapshot(status)
}

// GetAllStatuses returns cached statuses for every registered dependency.
func (m *Manager) GetAllStatuses() map[string]*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = m.snapshot(status)
	}
	return result
}

// IsHealthy reports whether every recently-checked dependency is healthy.
// Dependencies that were never checked yet do not count against health.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, status := range m.statuses {
		if status.LastCheck.IsZero() || time.Since(status.LastCheck) > m.cacheTimeout*2 {
			continue
		}
		if status.State != "healthy" {
			return false
		}
	}
	return true
}

// ForceCheck runs one checker immediately, bypassing the cache, and stores
// the result.
func (m *Manager) ForceCheck(name string) *Status {
	m.mu.RLock()
	checker, ok := m.checkers[name]
	m.mu.RUnlock()

	if !ok {
		return &Status{State: "unknown", Error: "checker not registered"}
	}

	status := m.runCheck(checker)
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	return status
}

func (m *Manager) snapshot(status *Status) *Status {
	copied := *status
	if !status.LastCheck.IsZero() && time.Since(status.LastCheck) >= m.cacheTimeout {
		copied.State = "stale"
	}
	return &copied
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.refreshAll()

	for {
		select {
		case <-ticker.C:
			m.refreshAll()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) refreshAll() {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, checker := range m.checkers {
		checkers = append(checkers, checker)
	}
	m.mu.RUnlock()

	if len(checkers) == 0 {
		return
	}

	semaphore := make(chan struct{}, maxConcurrentChecks)
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			status := m.runCheck(c)

			m.mu.Lock()
			m.statuses[c.Name()] = status
			m.mu.Unlock()
		}(checker)
	}

	wg.Wait()
}

func (m *Manager) runCheck(checker Checker) *Status {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	err := checker.Check(ctx)
	latency := time.Since(start).Milliseconds()

	status := &Status{
		LastCheck: time.Now(),
		LatencyMs: latency,
	}

	if err != nil {
		status.State = "unhealthy"
		status.Error = err.Error()
		m.logger.LogWarning(ctx, "Health check failed", map[string]interface{}{
			"dependency": checker.Name(),
			"error":      err.Error(),
			"latency_ms": latency,
		})
		return status
	}

	status.State = "healthy"
	return status
}
