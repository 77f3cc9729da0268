// Package stream owns the WebSocket connection to one trading-engine
// instance. It maintains a subscribe/unsubscribe registry keyed by event
// kind and recovers from unexpected closes with capped exponential backoff.
//
// State machine: disconnected -> connecting -> connected, with
// backingOff(attempt) between a close and the next dial. A transport read
// error is never surfaced directly; the close path that follows it is the
// single trigger for reconnection, so one failure cannot be handled twice.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
)

// ErrConnectionFailed is returned when the transport never reaches open.
var ErrConnectionFailed = errors.New("stream: connection failed")

// DefaultBaseDelay is the first reconnect delay.
const DefaultBaseDelay = time.Second

// DefaultMaxAttempts caps reconnection attempts before giving up.
const DefaultMaxAttempts = 5

// State is the connection manager's observable state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	default:
		return "unknown"
	}
}

// BackoffDelay returns the delay before the nth reconnect attempt (1-based):
// base × 2^(n−1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Handler receives decoded stream events. Handlers for one kind run in
// registration order, synchronously, before the next event is dispatched.
type Handler func(model.Event)

// Config configures a Manager. Zero values get defaults.
type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type handlerEntry struct {
	id int
	fn Handler
}

// Manager owns one streaming connection. All exported methods are safe for
// concurrent use; event dispatch happens on the single read-loop goroutine.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	url     string
	state   State
	attempt int
	// gen identifies the current connection epoch. Connect and Disconnect
	// bump it, so close callbacks and backoff timers from an abandoned
	// connection compare stale and cannot trigger a stray reconnect.
	gen           int
	wantReconnect bool
	pending       *time.Timer

	handlers  map[model.EventKind][]handlerEntry
	nextSubID int

	stateSubs []func(State)
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:      cfg.Logger,
		state:    StateDisconnected,
		handlers: make(map[model.EventKind][]handlerEntry),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a callback invoked on every state transition.
// Callbacks must not block; they run on the goroutine driving the transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, fn)
	m.mu.Unlock()
}

// setState transitions state and notifies subscribers. Caller must NOT hold mu.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]func(State), len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Connect dials the given stream URL (see StreamURL for address derivation).
// It is idempotent: any prior connection is closed first and its close
// callback suppressed. Returns ErrConnectionFailed if the transport never
// reaches open.
func (m *Manager) Connect(ctx context.Context, streamURL string) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.wantReconnect = true
	m.attempt = 0
	m.url = streamURL
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return m.dial(ctx, gen)
}

// dial attempts one connection for the given generation.
func (m *Manager) dial(ctx context.Context, gen int) error {
	m.setState(StateConnecting)

	conn, resp, err := m.dialer.DialContext(ctx, m.streamURL(), nil)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		m.setState(StateDisconnected)
		m.log.Warn("stream dial failed", "err", err, "status", status)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		// A newer Connect or Disconnect won the race; abandon this transport.
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: superseded", ErrConnectionFailed)
	}
	m.conn = conn
	m.attempt = 0
	m.mu.Unlock()

	m.setState(StateConnected)
	m.log.Info("stream connected", "url", m.streamURL())

	go m.readLoop(conn, gen)
	return nil
}

func (m *Manager) streamURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Disconnect is terminal and idempotent: it marks the manager as
// not-wanting-reconnect, closes the transport and clears its reference.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.wantReconnect = false
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	m.setState(StateDisconnected)
}

// Subscribe registers a handler for one event kind and returns its
// unsubscribe function. Multiple handlers per kind are permitted.
func (m *Manager) Subscribe(kind model.EventKind, h Handler) func() {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.handlers[kind] = append(m.handlers[kind], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				m.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// UnsubscribeAll drops every registered handler. Used on instance switch so
// no events for the old instance can be delivered afterwards.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	m.handlers = make(map[model.EventKind][]handlerEntry)
	m.mu.Unlock()
}

// readLoop reads frames until the transport closes, then hands off to
// handleClose. Runs once per successful dial.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		ev, err := model.DecodeEvent(raw)
		if err != nil {
			m.log.Warn("stream frame rejected", "err", err)
			continue
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.StreamEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		}
		m.dispatch(ev)
	}
}

// dispatch delivers one event to all handlers of its kind, in registration
// order. A panicking handler is logged and skipped; it cannot break sibling
// handlers or the read loop.
func (m *Manager) dispatch(ev model.Event) {
	m.mu.Lock()
	entries := make([]handlerEntry, len(m.handlers[ev.Kind]))
	copy(entries, m.handlers[ev.Kind])
	m.mu.Unlock()

	for _, e := range entries {
		m.safeCall(e.fn, ev)
	}
}

func (m *Manager) safeCall(h Handler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.HandlerPanics.Inc()
			}
			m.log.Error("stream handler panic", "kind", ev.Kind.String(), "panic", r)
		}
	}()
	h(ev)
}

// handleClose runs when a connection's read loop exits. Stale generations
// (superseded by Connect/Disconnect) are ignored.
func (m *Manager) handleClose(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if !m.wantReconnect {
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return
	}

	m.attempt++
	attempt := m.attempt
	if attempt > m.cfg.MaxAttempts {
		m.wantReconnect = false
		m.mu.Unlock()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.StreamGiveUps.Inc()
		}
		m.log.Error("stream gave up after max reconnect attempts",
			"attempts", m.cfg.MaxAttempts, "cause", cause)
		m.setState(StateDisconnected)
		return
	}

	delay := BackoffDelay(m.cfg.BaseDelay, attempt)
	m.pending = time.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.log.Warn("stream closed, scheduling reconnect",
		"attempt", attempt, "delay", delay.String(), "cause", cause)
	m.setState(StateBackingOff)
}

// reconnect fires from the backoff timer. It re-dials unless the generation
// moved on in the meantime.
func (m *Manager) reconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || !m.wantReconnect {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StreamReconnects.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	if err := m.dial(ctx, gen); err != nil {
		// Dial failure re-enters the close path so the attempt counter
		// and the cap apply uniformly.
		m.handleClose(gen, err)
	}
}
