package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/config"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// EventHandler receives unsolicited editor events.
type EventHandler func(event EventName, data json.RawMessage)

// Status is a snapshot of the bridge connection.
type Status struct {
	Connected         bool                  `json:"connected"`
	CircuitState      circuitbreaker.State  `json:"circuit_state"`
	ReconnectAttempts int                   `json:"reconnect_attempts"`
	LastMessageTime   time.Time             `json:"last_message_time"`
}

// Bridge maintains one logical, reconnecting request/response and event
// channel to the editor plugin. Many requests may be in flight at once,
// multiplexed over the single WebSocket by id.
type Bridge struct {
	cfg     config.PluginConfig
	url     string
	breaker *circuitbreaker.CircuitBreaker
	logger  interfaces.SimpleLogger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	reconnectAttempts int
	lastMessage       time.Time
	reconnecting      bool
	halted            bool // automatic reconnection stopped; manual Reconnect resumes
	closed            bool

	// writeMu serializes frames onto the single transport.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	subsMu   sync.RWMutex
	subs     map[EventName][]EventHandler
	allSubs  []EventHandler

	done chan struct{}
}

// pendingRequest tracks one in-flight request. It is removed from the
// pending map exactly once, by whichever of response arrival, timeout,
// cancellation, or connection loss happens first; presence in the map is
// the ownership test, so the losers become no-ops.
type pendingRequest struct {
	id        string
	action    Action
	startTime time.Time
	outcome   chan requestOutcome
	timer     *time.Timer
}

type requestOutcome struct {
	result json.RawMessage
	err    error
}

// New creates a disconnected bridge. Call Connect to open the transport.
func New(
	cfg config.PluginConfig,
	breaker *circuitbreaker.CircuitBreaker,
	logger interfaces.SimpleLogger,
	m *metrics.Metrics,
) *Bridge {
	return &Bridge{
		cfg:     cfg,
		url:     cfg.URL(),
		breaker: breaker,
		logger:  logger,
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		pending: make(map[string]*pendingRequest),
		subs:    make(map[EventName][]EventHandler),
		done:    make(chan struct{}),
	}
}

// Connect opens the transport. On success the reconnect counter resets and
// the receive loop starts.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.establish(ctx); err != nil {
		b.breaker.RecordFailure()
		return err
	}

	b.breaker.RecordSuccess()
	return nil
}

// Reconnect resumes a halted bridge: it clears the attempt counter and the
// halt flag, then connects.
func (b *Bridge) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	b.halted = false
	b.reconnectAttempts = 0
	b.mu.Unlock()

	return b.Connect(ctx)
}

func (b *Bridge) establish(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return &errdefs.ConnectionLostError{}
	}
	if b.connected {
		// A concurrent establish won the race; keep its connection.
		b.mu.Unlock()
		conn.Close()
		return nil
	}
	b.conn = conn
	b.connected = true
	b.reconnectAttempts = 0
	// Cleared here, not by the reconnect loop afterwards, so that a
	// transport loss on the fresh connection always restarts the loop.
	b.reconnecting = false
	b.lastMessage = time.Now()
	b.mu.Unlock()

	b.logger.LogInfo(context.Background(), "Connected to editor plugin", map[string]interface{}{
		"url": b.url,
	})

	go b.readLoop(conn)
	return nil
}

// Request sends {id, action, params} and waits for the matching response.
// A zero timeout uses the configured default. The returned error is one of
// RemoteError (peer reported failure), TimeoutError, CancelledError (ctx
// cancelled; the wire message is not recalled), or ConnectionLostError.
func (b *Bridge) Request(ctx context.Context, action Action, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		b.metrics.BridgeRequests.WithLabelValues("not_connected").Inc()
		return nil, &errdefs.ConnectionLostError{}
	}
	conn := b.conn
	b.mu.Unlock()

	p := &pendingRequest{
		id:        uuid.New().String(),
		action:    action,
		startTime: time.Now(),
		outcome:   make(chan requestOutcome, 1),
	}

	b.pendingMu.Lock()
	b.pending[p.id] = p
	b.pendingMu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		if taken := b.takePending(p.id); taken != nil {
			b.metrics.BridgeRequests.WithLabelValues("timeout").Inc()
			taken.outcome <- requestOutcome{err: &errdefs.TimeoutError{
				Operation: string(action),
				Timeout:   timeout,
			}}
		}
	})

	frame := envelope{
		ID:     p.id,
		Action: string(action),
		Params: params,
	}

	if err := b.writeFrame(conn, &frame); err != nil {
		b.transportLost(conn, err)
		// transportLost rejects every pending request on that conn, but a
		// concurrent reconnect may have replaced it already, making the
		// call a no-op. The frame never reached the live connection either
		// way, so fail now rather than waiting out the timeout.
		if taken := b.takePending(p.id); taken != nil {
			taken.timer.Stop()
			b.metrics.BridgeRequests.WithLabelValues("connection_lost").Inc()
			return nil, &errdefs.ConnectionLostError{Cause: err}
		}
	}

	select {
	case out := <-p.outcome:
		return out.result, out.err

	case <-ctx.Done():
		if taken := b.takePending(p.id); taken != nil {
			taken.timer.Stop()
			b.metrics.BridgeRequests.WithLabelValues("cancelled").Inc()
			return nil, &errdefs.CancelledError{Operation: string(action)}
		}
		// Lost the race: the request resolved concurrently; deliver that
		// outcome instead.
		out := <-p.outcome
		return out.result, out.err
	}
}

// PendingCount returns the number of in-flight requests.
func (b *Bridge) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Subscribe registers a handler for one event name.
func (b *Bridge) Subscribe(event EventName, handler EventHandler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[event] = append(b.subs[event], handler)
}

// SubscribeAll registers a handler for every event, known or not.
func (b *Bridge) SubscribeAll(handler EventHandler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.allSubs = append(b.allSubs, handler)
}

// Status returns the current connection snapshot.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Connected:         b.connected,
		CircuitState:      b.breaker.GetState().State,
		ReconnectAttempts: b.reconnectAttempts,
		LastMessageTime:   b.lastMessage,
	}
}

// Healthy reports whether the bridge can take requests right now.
func (b *Bridge) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && b.breaker.GetState().State != circuitbreaker.StateOpen
}

// Close shuts the bridge down permanently and rejects all in-flight
// requests.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	close(b.done)
	if conn != nil {
		conn.Close()
	}

	b.rejectAllPending(&errdefs.ConnectionLostError{})
	return nil
}

func (b *Bridge) writeFrame(conn *websocket.Conn, frame *envelope) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop receives frames until the transport fails.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			b.transportLost(conn, err)
			return
		}

		var frame envelope
		if err := json.Unmarshal(payload, &frame); err != nil {
			b.logger.LogWarning(context.Background(), "Discarding malformed frame from editor", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		b.mu.Lock()
		b.lastMessage = time.Now()
		b.mu.Unlock()

		switch {
		case frame.Event != "":
			b.dispatchEvent(EventName(frame.Event), frame.Data)

		case frame.ID != "":
			b.resolveResponse(&frame)

		default:
			b.logger.LogWarning(context.Background(), "Frame with neither id nor event", nil)
		}
	}
}

// resolveResponse hands a response to its pending request. A response whose
// id is no longer pending (timed out, cancelled, or rejected on a previous
// disconnect) is discarded: delivery to the caller is at-most-once.
func (b *Bridge) resolveResponse(frame *envelope) {
	p := b.takePending(frame.ID)
	if p == nil {
		return
	}
	p.timer.Stop()

	if frame.Success != nil && *frame.Success {
		b.metrics.BridgeRequests.WithLabelValues("success").Inc()
		p.outcome <- requestOutcome{result: frame.Result}
		return
	}

	remote := &errdefs.RemoteError{Message: "request failed"}
	if frame.Error != nil {
		remote.Code = frame.Error.Code
		remote.Message = frame.Error.Message
	}
	b.metrics.BridgeRequests.WithLabelValues("remote_error").Inc()
	p.outcome <- requestOutcome{err: remote}
}

func (b *Bridge) dispatchEvent(event EventName, data json.RawMessage) {
	b.subsMu.RLock()
	handlers := append([]EventHandler(nil), b.subs[event]...)
	handlers = append(handlers, b.allSubs...)
	b.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(event, data)
	}
}

// takePending removes and returns the pending request for id, or nil if it
// was already taken. This is the single atomic remove-if-present point that
// the response, timeout, cancellation, and connection-loss paths all race
// through.
func (b *Bridge) takePending(id string) *pendingRequest {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

// rejectAllPending fails every in-flight request at once rather than
// letting each of them run out its own timer.
func (b *Bridge) rejectAllPending(cause error) {
	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pendingMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		b.metrics.BridgeRequests.WithLabelValues("connection_lost").Inc()
		p.outcome <- requestOutcome{err: cause}
	}
}

// transportLost handles a transport failure observed by either the read
// loop or a writer. Only the first observer for a given conn runs the
// disconnect path.
func (b *Bridge) transportLost(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn != conn {
		// A newer connection already replaced this one.
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.connected = false
	closed := b.closed
	halted := b.halted
	alreadyReconnecting := b.reconnecting
	if !closed && !halted && !alreadyReconnecting {
		b.reconnecting = true
	}
	b.mu.Unlock()

	conn.Close()
	b.rejectAllPending(&errdefs.ConnectionLostError{Cause: cause})

	if closed {
		return
	}

	b.logger.LogWarning(context.Background(), "Editor connection lost", map[string]interface{}{
		"error": cause.Error(),
	})

	if !halted && !alreadyReconnecting {
		go b.reconnectLoop()
	}
}

// reconnectLoop retries the connection on a fixed interval. Every attempt
// is gated by the circuit breaker; a denied gate is not an attempt. The
// loop stops for good once MaxReconnectAttempts failures accumulate.
func (b *Bridge) reconnectLoop() {
	for {
		b.mu.Lock()
		if b.closed {
			b.reconnecting = false
			b.mu.Unlock()
			return
		}
		if b.reconnectAttempts >= b.cfg.MaxReconnectAttempts {
			b.halted = true
			b.reconnecting = false
			attempts := b.reconnectAttempts
			b.mu.Unlock()
			b.logger.LogError(context.Background(), "Automatic reconnection halted", map[string]interface{}{
				"attempts": attempts,
			})
			return
		}
		b.mu.Unlock()

		select {
		case <-b.done:
			return
		case <-time.After(b.cfg.ReconnectInterval):
		}

		if !b.breaker.AllowRequest() {
			continue
		}

		b.metrics.BridgeReconnect.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := b.establish(ctx)
		cancel()

		if err != nil {
			b.breaker.RecordFailure()
			b.mu.Lock()
			b.reconnectAttempts++
			attempts := b.reconnectAttempts
			b.mu.Unlock()

			b.logger.LogWarning(context.Background(), "Reconnect attempt failed", map[string]interface{}{
				"attempt": attempts,
				"error":   err.Error(),
			})
			continue
		}

		b.breaker.RecordSuccess()
		b.logger.LogInfo(context.Background(), "Reconnected to editor plugin", nil)
		return
	}
}
