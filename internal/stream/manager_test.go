package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
)

func TestBackoffDelay_Schedule(t *testing.T) {
	base := time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		if got := BackoffDelay(base, i+1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateBackingOff:   "backing_off",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

// wsTestServer is an in-process engine stream endpoint for manager tests.
type wsTestServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	dials  atomic.Int64
	reject atomic.Bool
}

func newWSTestServer(t *testing.T) *wsTestServer {
	ws := &wsTestServer{t: t}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.dials.Add(1)
		if ws.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		// Drain client frames until close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) send(t *testing.T, ev model.Event) {
	raw, err := model.EncodeEvent(ev)
	require.NoError(t, err)
	ws.mu.Lock()
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func (ws *wsTestServer) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.Close()
	}
	ws.conns = nil
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, still %v", want, m.State())
}

func TestManager_ConnectAndDispatch(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{BaseDelay: 10 * time.Millisecond})
	defer m.Disconnect()

	got := make(chan model.Event, 4)
	m.Subscribe(model.EventStatus, func(ev model.Event) { got <- ev })

	require.NoError(t, m.Connect(context.Background(), srv.url()))
	assert.Equal(t, StateConnected, m.State())

	srv.send(t, model.Event{Kind: model.EventStatus, Status: &model.EngineStatus{State: "TRADING"}})

	select {
	case ev := <-got:
		require.NotNil(t, ev.Status)
		assert.Equal(t, "TRADING", ev.Status.State)
	case <-time.After(2 * time.Second):
		t.Fatal("status event never delivered")
	}
}

func TestManager_ConnectFails(t *testing.T) {
	srv := newWSTestServer(t)
	srv.reject.Store(true)

	m := NewManager(Config{})
	err := m.Connect(context.Background(), srv.url())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_HandlerPanicIsolation(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{})
	defer m.Disconnect()

	var positionsSeen atomic.Int64
	statusSeen := make(chan struct{}, 2)

	// First-registered status handler panics on every delivery.
	m.Subscribe(model.EventStatus, func(model.Event) { panic("boom") })
	m.Subscribe(model.EventStatus, func(model.Event) { statusSeen <- struct{}{} })
	m.Subscribe(model.EventPositions, func(model.Event) { positionsSeen.Add(1) })

	require.NoError(t, m.Connect(context.Background(), srv.url()))

	srv.send(t, model.Event{Kind: model.EventStatus, Status: &model.EngineStatus{State: "PAUSED"}})
	srv.send(t, model.Event{Kind: model.EventPositions, Positions: []model.PositionView{}})

	select {
	case <-statusSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("second status handler starved by panicking sibling")
	}

	deadline := time.Now().Add(2 * time.Second)
	for positionsSeen.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), positionsSeen.Load(),
		"positions handler must receive its event despite the panicking status handler")
}

func TestManager_Unsubscribe(t *testing.T) {
	m := NewManager(Config{})

	var calls atomic.Int64
	unsub := m.Subscribe(model.EventLTPBatch, func(model.Event) { calls.Add(1) })

	m.dispatch(model.Event{Kind: model.EventLTPBatch, LTP: map[string]model.PriceTick{}})
	unsub()
	m.dispatch(model.Event{Kind: model.EventLTPBatch, LTP: map[string]model.PriceTick{}})

	assert.Equal(t, int64(1), calls.Load())
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{BaseDelay: 10 * time.Millisecond, MaxAttempts: 5})
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), srv.url()))
	waitForState(t, m, StateConnected)

	srv.closeAll()
	waitForState(t, m, StateConnected) // reconnected on its own

	assert.GreaterOrEqual(t, srv.dials.Load(), int64(2))
}

func TestManager_GiveUpAfterMaxAttempts(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{BaseDelay: 5 * time.Millisecond, MaxAttempts: 3})

	require.NoError(t, m.Connect(context.Background(), srv.url()))
	waitForState(t, m, StateConnected)

	// All further dials fail; the manager must stop after 3 attempts.
	srv.reject.Store(true)
	srv.closeAll()

	waitForState(t, m, StateDisconnected)
	time.Sleep(300 * time.Millisecond) // long past any 4th backoff delay

	dials := srv.dials.Load()
	assert.Equal(t, int64(1+3), dials, "expected initial dial plus exactly 3 reconnect attempts")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{BaseDelay: 5 * time.Millisecond})

	require.NoError(t, m.Connect(context.Background(), srv.url()))
	waitForState(t, m, StateConnected)

	m.Disconnect()
	m.Disconnect() // idempotent

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int64(1), srv.dials.Load(), "disconnect must not schedule reconnects")
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	srv := newWSTestServer(t)
	m := NewManager(Config{BaseDelay: 5 * time.Millisecond})
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), srv.url()))
	require.NoError(t, m.Connect(context.Background(), srv.url()))
	waitForState(t, m, StateConnected)

	// The first connection's close event must not trigger a stray dial.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), srv.dials.Load())
	assert.Equal(t, StateConnected, m.State())
}
