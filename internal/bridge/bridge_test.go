package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/config"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/logging"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
)

// fakePeer is an in-process editor plugin speaking the bridge protocol.
type fakePeer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	handler func(conn *websocket.Conn, frame envelope)
}

func newFakePeer(t *testing.T, handler func(conn *websocket.Conn, frame envelope)) *fakePeer {
	t.Helper()

	p := &fakePeer{t: t, handler: handler}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame envelope
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			p.mu.Lock()
			handler := p.handler
			p.mu.Unlock()
			if handler != nil {
				handler(conn, frame)
			}
		}
	}))
	t.Cleanup(p.server.Close)

	return p
}

func (p *fakePeer) port() int {
	u, err := url.Parse(p.server.URL)
	require.NoError(p.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(p.t, err)
	return port
}

func (p *fakePeer) send(frame envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(p.t, p.conns, "peer has no connection")
	payload, err := json.Marshal(frame)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conns[len(p.conns)-1].WriteMessage(websocket.TextMessage, payload))
}

func (p *fakePeer) setHandler(handler func(conn *websocket.Conn, frame envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakePeer) dropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
}

func boolPtr(v bool) *bool { return &v }

// respondSuccess echoes every request back with a success result.
func respondSuccess(conn *websocket.Conn, frame envelope) {
	if frame.ID == "" {
		return
	}
	response := envelope{
		ID:      frame.ID,
		Success: boolPtr(true),
		Result:  json.RawMessage(`{"ok":true}`),
	}
	payload, _ := json.Marshal(response)
	conn.WriteMessage(websocket.TextMessage, payload)
}

func testPluginConfig(port int) config.PluginConfig {
	return config.PluginConfig{
		Port:                 port,
		RequestTimeout:       2 * time.Second,
		MaxReconnectAttempts: 2,
		ReconnectInterval:    20 * time.Millisecond,
	}
}

func testBridgeBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:             "bridge",
		FailureThreshold: 100,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})
}

func newConnectedBridge(t *testing.T, peer *fakePeer, cfg config.PluginConfig) *Bridge {
	t.Helper()

	b := New(cfg, testBridgeBreaker(), logging.NewNoOpLogger(), metrics.New())
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx))
	return b
}

func TestBridge_RequestSuccess(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	result, err := b.Request(context.Background(), ActionGetSceneTree, map[string]interface{}{
		"path": "res://main.tscn",
	}, 0)

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, 0, b.PendingCount())
	assert.True(t, b.Healthy())
}

func TestBridge_RequestRemoteError(t *testing.T) {
	peer := newFakePeer(t, func(conn *websocket.Conn, frame envelope) {
		response := envelope{
			ID:      frame.ID,
			Success: boolPtr(false),
			Error:   &remoteError{Code: "scene_not_found", Message: "no such scene"},
		}
		payload, _ := json.Marshal(response)
		conn.WriteMessage(websocket.TextMessage, payload)
	})
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	_, err := b.Request(context.Background(), ActionOpenScene, nil, 0)

	var remote *errdefs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "scene_not_found", remote.Code)
	assert.Equal(t, "no such scene", remote.Message)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_RequestTimeoutLeavesNoPendingEntry(t *testing.T) {
	// Peer swallows every request.
	peer := newFakePeer(t, nil)
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	start := time.Now()
	_, err := b.Request(context.Background(), ActionRunProject, nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	var timeout *errdefs.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.Timeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_ConnectionLossRejectsAllPendingImmediately(t *testing.T) {
	peer := newFakePeer(t, nil)
	cfg := testPluginConfig(peer.port())
	cfg.RequestTimeout = 30 * time.Second // individual timeouts must not be what fails them
	b := newConnectedBridge(t, peer, cfg)

	const inFlight = 3
	errs := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func() {
			_, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return b.PendingCount() == inFlight
	}, time.Second, 5*time.Millisecond)

	peer.dropConnections()

	for i := 0; i < inFlight; i++ {
		select {
		case err := <-errs:
			var lost *errdefs.ConnectionLostError
			assert.ErrorAs(t, err, &lost)
		case <-time.After(time.Second):
			t.Fatal("pending request was not rejected promptly on connection loss")
		}
	}
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_EventsGoToSubscribersNotRequests(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	received := make(chan EventName, 2)
	b.Subscribe(EventSceneChanged, func(event EventName, data json.RawMessage) {
		received <- event
	})
	var wildcard []EventName
	var wildcardMu sync.Mutex
	b.SubscribeAll(func(event EventName, data json.RawMessage) {
		wildcardMu.Lock()
		wildcard = append(wildcard, event)
		wildcardMu.Unlock()
	})

	peer.send(envelope{Event: string(EventSceneChanged), Data: json.RawMessage(`{"path":"res://main.tscn"}`)})

	select {
	case event := <-received:
		assert.Equal(t, EventSceneChanged, event)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	// An unknown event still passes through to the wildcard subscriber.
	peer.send(envelope{Event: "custom_tool_event", Data: json.RawMessage(`{}`)})
	require.Eventually(t, func() bool {
		wildcardMu.Lock()
		defer wildcardMu.Unlock()
		return len(wildcard) == 2
	}, time.Second, 5*time.Millisecond)

	assert.False(t, EventName("custom_tool_event").Known())
	assert.Equal(t, 0, b.PendingCount(), "events must never resolve requests")
}

func TestBridge_CancelledRequestDiscardsLateResponse(t *testing.T) {
	requests := make(chan envelope, 1)
	peer := newFakePeer(t, func(conn *websocket.Conn, frame envelope) {
		requests <- frame // hold the response until the test asks for it
	})
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, ActionStopProject, nil, 0)
		done <- err
	}()

	var frame envelope
	select {
	case frame = <-requests:
	case <-time.After(time.Second):
		t.Fatal("peer did not receive request")
	}

	cancel()
	var cancelled *errdefs.CancelledError
	require.ErrorAs(t, <-done, &cancelled)
	assert.Equal(t, 0, b.PendingCount())

	// The wire message could not be recalled; the late response arrives and
	// must be discarded without disturbing anything.
	peer.send(envelope{ID: frame.ID, Success: boolPtr(true), Result: json.RawMessage(`{}`)})

	// A fresh request still works afterwards.
	peer.setHandler(respondSuccess)
	result, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestBridge_ReconnectHaltsAfterMaxAttempts(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	cfg := testPluginConfig(peer.port())
	cfg.MaxReconnectAttempts = 2
	b := newConnectedBridge(t, peer, cfg)

	// Kill the server entirely so reconnect attempts fail.
	peer.dropConnections()
	peer.server.Close()

	require.Eventually(t, func() bool {
		status := b.Status()
		return !status.Connected && status.ReconnectAttempts == 2
	}, 3*time.Second, 10*time.Millisecond)

	// Attempts have stopped; the counter stays where it halted.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, b.Status().ReconnectAttempts)

	_, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	var lost *errdefs.ConnectionLostError
	assert.ErrorAs(t, err, &lost)
}

func TestBridge_ManualReconnectResetsAttempts(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	cfg := testPluginConfig(peer.port())
	cfg.MaxReconnectAttempts = 1
	b := newConnectedBridge(t, peer, cfg)

	peer.dropConnections()
	peer.server.Close()

	require.Eventually(t, func() bool {
		return b.Status().ReconnectAttempts == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The peer is still down, so the manual reconnect fails, but it resets
	// the attempt counter and re-arms automatic reconnection.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.Reconnect(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, b.Status().ReconnectAttempts)
}

// A peer that accepts the connection and immediately drops it exercises the
// window between a successful reconnect and the next transport loss. The
// bridge must keep restarting its reconnect loop rather than strand itself
// disconnected.
func TestBridge_RecoversWhenFreshConnectionDropsImmediately(t *testing.T) {
	var mu sync.Mutex
	remainingDrops := 3
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		drop := remainingDrops > 0
		if drop {
			remainingDrops--
		}
		mu.Unlock()
		if drop {
			conn.Close()
			return
		}
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame envelope
			if json.Unmarshal(payload, &frame) != nil {
				continue
			}
			respondSuccess(conn, frame)
		}
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testPluginConfig(port)
	cfg.MaxReconnectAttempts = 10
	b := New(cfg, testBridgeBreaker(), logging.NewNoOpLogger(), metrics.New())
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx))

	require.Eventually(t, func() bool {
		return b.Healthy()
	}, 3*time.Second, 10*time.Millisecond)

	result, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

// establish must leave the reconnect flag clear the moment the connection is
// live, so a transport loss on the fresh connection can start a new loop.
func TestBridge_EstablishClearsReconnectFlag(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := New(testPluginConfig(peer.port()), testBridgeBreaker(), logging.NewNoOpLogger(), metrics.New())
	t.Cleanup(func() { b.Close() })

	b.mu.Lock()
	b.reconnecting = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.establish(ctx))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.connected)
	assert.False(t, b.reconnecting)
}

func TestBridge_ConcurrentConnectKeepsSingleConnection(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := New(testPluginConfig(peer.port()), testBridgeBreaker(), logging.NewNoOpLogger(), metrics.New())
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Connect(ctx))
		}()
	}
	wg.Wait()

	b.mu.Lock()
	live := b.conn
	b.mu.Unlock()
	require.NotNil(t, live)

	// A dial that lands after the connection is already up must not replace
	// it.
	require.NoError(t, b.establish(ctx))
	b.mu.Lock()
	assert.Same(t, live, b.conn)
	b.mu.Unlock()

	result, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

// A write that fails on a connection the disconnect path no longer owns
// (a reconnect replaced it mid-request) must fail the request right away
// instead of letting it run out its timeout.
func TestBridge_WriteFailureFailsRequestImmediately(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	b.mu.Lock()
	live := b.conn
	b.mu.Unlock()

	dead, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	require.NoError(t, err)
	dead.Close()

	// Hold the write lock while the request snapshots the dead connection,
	// then restore the live one before the write proceeds and fails.
	b.writeMu.Lock()
	b.mu.Lock()
	b.conn = dead
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 30*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	b.mu.Lock()
	b.conn = live
	b.mu.Unlock()
	b.writeMu.Unlock()

	select {
	case err := <-done:
		var lost *errdefs.ConnectionLostError
		assert.ErrorAs(t, err, &lost)
	case <-time.After(time.Second):
		t.Fatal("request on a dead connection was not failed promptly")
	}
	assert.Equal(t, 0, b.PendingCount())

	// The live connection is untouched.
	result, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestBridge_RequestWhileDisconnected(t *testing.T) {
	cfg := testPluginConfig(1) // nothing listens on port 1
	b := New(cfg, testBridgeBreaker(), logging.NewNoOpLogger(), metrics.New())
	t.Cleanup(func() { b.Close() })

	_, err := b.Request(context.Background(), ActionGetProjectInfo, nil, 0)
	var lost *errdefs.ConnectionLostError
	assert.ErrorAs(t, err, &lost)
}

func TestBridge_StatusSnapshot(t *testing.T) {
	peer := newFakePeer(t, respondSuccess)
	b := newConnectedBridge(t, peer, testPluginConfig(peer.port()))

	status := b.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, circuitbreaker.StateClosed, status.CircuitState)
	assert.Equal(t, 0, status.ReconnectAttempts)
	assert.False(t, status.LastMessageTime.IsZero())
}
