package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/engine"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/registry"
	"trading-dashboard/internal/store"
	"trading-dashboard/internal/stream"
)

// fakeEngine serves the four snapshot endpoints. Its stream port (http
// port + 1) is never bound, so the monitor always lands in polling mode.
type fakeEngine struct {
	srv       *httptest.Server
	snapshots atomic.Int64
	state     atomic.Value // string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{}
	f.state.Store("TRADING")

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.snapshots.Add(1)
		json.NewEncoder(w).Encode(model.EngineStatus{State: f.state.Load().(string), Capital: 100000})
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"positions": []model.PositionView{
			{Symbol: "RELIANCE", Side: model.SideLong, Qty: 10, EntryPrice: 2500},
		}})
	})
	mux.HandleFunc("/funds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.FundsResult{Status: "ok", Funds: &model.Funds{Available: 50000}})
	})
	mux.HandleFunc("/closed-trades", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"trades": []model.ClosedTradeRecord{}})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestMonitor(t *testing.T, f *fakeEngine, interval time.Duration) (*Monitor, *store.Store) {
	t.Helper()
	st := store.New(nil, nil)
	reg := registry.New([]model.InstanceRef{
		{Name: "test", BaseURL: f.srv.URL, Category: model.CategoryPaper},
	}, nil, time.Minute, nil, nil)

	m := New(Config{
		Client:       engine.NewClient(nil, nil),
		Store:        st,
		Registry:     reg,
		PollInterval: interval,
		Stream:       stream.Config{BaseDelay: 10 * time.Millisecond, MaxAttempts: 1},
	})
	t.Cleanup(m.Stop)
	return m, st
}

func TestMonitor_SelectUnknownInstance(t *testing.T) {
	f := newFakeEngine(t)
	m, _ := newTestMonitor(t, f, time.Minute)

	err := m.Select(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownInstance)

	_, selected := m.Current()
	assert.False(t, selected)
}

func TestMonitor_SelectSeedsSnapshot(t *testing.T) {
	f := newFakeEngine(t)
	m, st := newTestMonitor(t, f, time.Minute)

	require.NoError(t, m.Select(context.Background(), "test"))

	v := st.View()
	assert.Equal(t, "test", v.Instance)
	require.NotNil(t, v.Status)
	assert.Equal(t, "TRADING", v.Status.State)
	require.Len(t, v.Positions, 1)
	assert.Equal(t, "RELIANCE", v.Positions[0].Symbol)
	require.NotNil(t, v.Funds.Funds)
	assert.Equal(t, 50000.0, v.Funds.Funds.Available)

	cur, selected := m.Current()
	assert.True(t, selected)
	assert.Equal(t, "test", cur.Name)
}

func TestMonitor_PollingFallbackRefreshes(t *testing.T) {
	f := newFakeEngine(t)
	m, st := newTestMonitor(t, f, 30*time.Millisecond)

	require.NoError(t, m.Select(context.Background(), "test"))
	seeded := f.snapshots.Load()

	// The stream port is closed, so the monitor polls. Flip the engine
	// state and wait for a poll to pick it up.
	f.state.Store("PAUSED")
	require.Eventually(t, func() bool {
		v := st.View()
		return v.Status != nil && v.Status.State == "PAUSED"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Greater(t, f.snapshots.Load(), seeded)
}

func TestMonitor_StopEndsPolling(t *testing.T) {
	f := newFakeEngine(t)
	m, _ := newTestMonitor(t, f, 20*time.Millisecond)

	require.NoError(t, m.Select(context.Background(), "test"))
	m.Stop()

	settled := f.snapshots.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.snapshots.Load())

	_, selected := m.Current()
	assert.False(t, selected)
}

func TestMonitor_ReselectReplacesSession(t *testing.T) {
	f := newFakeEngine(t)
	st := store.New(nil, nil)
	reg := registry.New([]model.InstanceRef{
		{Name: "a", BaseURL: f.srv.URL, Category: model.CategoryPaper},
		{Name: "b", BaseURL: f.srv.URL, Category: model.CategoryPaper},
	}, nil, time.Minute, nil, nil)
	m := New(Config{
		Client:       engine.NewClient(nil, nil),
		Store:        st,
		Registry:     reg,
		PollInterval: time.Minute,
		Stream:       stream.Config{BaseDelay: 10 * time.Millisecond, MaxAttempts: 1},
	})
	t.Cleanup(m.Stop)

	ctx := context.Background()
	require.NoError(t, m.Select(ctx, "a"))
	epochA := st.Epoch()
	require.NoError(t, m.Select(ctx, "b"))

	assert.Greater(t, st.Epoch(), epochA)
	assert.Equal(t, "b", st.View().Instance)

	// Anything still carrying the old session's epoch is discarded.
	applied := st.ApplySnapshot(epochA, model.Snapshot{
		Status: &model.EngineStatus{State: "STOPPED"},
	})
	assert.False(t, applied)
	assert.Equal(t, "TRADING", st.View().Status.State)
}

// listenAdjacent binds two consecutive localhost ports: one for REST and
// the next one up for the stream, matching how engines lay out theirs.
func listenAdjacent(t *testing.T) (rest, ws net.Listener) {
	t.Helper()
	for i := 0; i < 20; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		_, portStr, err := net.SplitHostPort(l.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		l2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+1))
		if err != nil {
			l.Close()
			continue
		}
		return l, l2
	}
	t.Fatal("no adjacent port pair available")
	return nil, nil
}

// newStreamingEngine is a fakeEngine whose stream port is actually bound,
// so the monitor's stream connects for real instead of falling back to
// polling. streamConns counts accepted stream clients.
func newStreamingEngine(t *testing.T) (*fakeEngine, *atomic.Int64) {
	t.Helper()
	restLn, wsLn := listenAdjacent(t)

	f := &fakeEngine{}
	f.state.Store("TRADING")
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.snapshots.Add(1)
		json.NewEncoder(w).Encode(model.EngineStatus{State: f.state.Load().(string), Capital: 100000})
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"positions": []model.PositionView{}})
	})
	mux.HandleFunc("/funds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.FundsResult{Status: "ok", Funds: &model.Funds{Available: 50000}})
	})
	mux.HandleFunc("/closed-trades", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"trades": []model.ClosedTradeRecord{}})
	})
	f.srv = httptest.NewUnstartedServer(mux)
	f.srv.Listener.Close()
	f.srv.Listener = restLn
	f.srv.Start()
	t.Cleanup(f.srv.Close)

	var streamConns atomic.Int64
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	wsSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamConns.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})}
	go wsSrv.Serve(wsLn)
	t.Cleanup(func() { wsSrv.Close() })

	return f, &streamConns
}

func TestMonitor_ReselectWhileStreamConnected(t *testing.T) {
	f, streamConns := newStreamingEngine(t)
	m, st := newTestMonitor(t, f, time.Minute)

	ctx := context.Background()
	require.NoError(t, m.Select(ctx, "test"))
	require.Eventually(t, func() bool {
		return streamConns.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "stream never connected")

	// Re-selecting the connected instance tears the live stream down and
	// must come back; the teardown path fires the stream's state callback.
	done := make(chan error, 1)
	go func() { done <- m.Select(ctx, "test") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("re-select of a connected instance did not return")
	}
	assert.Equal(t, "test", st.View().Instance)
}

func TestMonitor_StopWhileStreamConnected(t *testing.T) {
	f, streamConns := newStreamingEngine(t)
	m, _ := newTestMonitor(t, f, 20*time.Millisecond)

	require.NoError(t, m.Select(context.Background(), "test"))
	require.Eventually(t, func() bool {
		return streamConns.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "stream never connected")

	stopped := make(chan struct{})
	go func() { m.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop of a connected session did not return")
	}

	// The old stream's disconnect callback must not restart polling.
	settled := f.snapshots.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.snapshots.Load())
}
