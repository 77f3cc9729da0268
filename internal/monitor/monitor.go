// Package monitor drives the live view of one engine instance: it seeds
// the store with a REST snapshot, attaches the event stream, and falls
// back to periodic snapshot polling whenever the stream is not connected.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-dashboard/internal/engine"
	"trading-dashboard/internal/journal"
	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/registry"
	"trading-dashboard/internal/store"
	"trading-dashboard/internal/stream"
)

// ErrUnknownInstance means the requested instance is not in the registry.
var ErrUnknownInstance = errors.New("unknown instance")

// Config wires the monitor's collaborators. Journal may be nil.
type Config struct {
	Client       *engine.Client
	Store        *store.Store
	Registry     *registry.Registry
	Journal      *journal.Journal
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	Stream       stream.Config
}

// Monitor owns the per-selection stream manager and polling loop. Selecting
// a new instance tears the old session down synchronously before any state
// for the new one is touched.
type Monitor struct {
	client   *engine.Client
	store    *store.Store
	registry *registry.Registry
	journal  *journal.Journal
	log      *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	streamCf stream.Config

	mu         sync.Mutex
	current    model.InstanceRef
	selected   bool
	mgr        *stream.Manager
	pollCancel context.CancelFunc
}

// New creates an idle monitor; nothing runs until Select.
func New(cfg Config) *Monitor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		client:   cfg.Client,
		store:    cfg.Store,
		registry: cfg.Registry,
		journal:  cfg.Journal,
		log:      log,
		metrics:  cfg.Metrics,
		interval: interval,
		streamCf: cfg.Stream,
	}
}

// Current returns the selected instance, if any.
func (m *Monitor) Current() (model.InstanceRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.selected
}

// Select switches the monitor to the named instance. The previous stream
// and polling loop are stopped before the store is reset, so nothing from
// the old instance can land in the new state. The initial snapshot is
// fetched synchronously; a completely offline instance still selects, the
// store just stays empty until polling or the stream reaches it.
func (m *Monitor) Select(ctx context.Context, name string) error {
	inst, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}

	m.mu.Lock()
	oldMgr, oldCancel := m.detachLocked()
	m.current = inst
	m.selected = true
	// The epoch moves before the old stream is torn down, so its state
	// callback compares stale and cannot restart polling for the old
	// session.
	epoch := m.store.SelectInstance(name)

	mgr := stream.NewManager(m.streamCf)
	m.mgr = mgr
	m.mu.Unlock()

	stopSession(oldMgr, oldCancel)

	m.wireHandlers(mgr, inst, epoch)

	// Seed from REST before the stream attaches.
	if snap, err := m.client.FetchSnapshot(ctx, inst); err != nil {
		m.log.Warn("initial snapshot failed", "instance", name, "err", err)
	} else {
		m.store.ApplySnapshot(epoch, snap)
	}

	streamURL, err := stream.StreamURL(inst.BaseURL)
	if err != nil {
		m.log.Warn("no stream endpoint, polling only", "instance", name, "err", err)
		m.startPolling(inst, epoch)
		return nil
	}

	mgr.OnStateChange(func(s stream.State) { m.onStreamState(inst, epoch, s) })
	if err := mgr.Connect(ctx, streamURL); err != nil {
		m.log.Warn("stream connect failed, polling until it recovers", "instance", name, "err", err)
		m.startPolling(inst, epoch)
	}
	return nil
}

// Refresh re-fetches a snapshot for the named instance if it is the one
// currently selected. Used after admin commands so the view reflects the
// engine's new state without waiting for the next stream frame.
func (m *Monitor) Refresh(name string) {
	m.mu.Lock()
	inst, selected := m.current, m.selected
	m.mu.Unlock()
	if !selected || inst.Name != name {
		return
	}
	go m.refreshSnapshot(inst, m.store.Epoch())
}

// Stop ends the current session, if any.
func (m *Monitor) Stop() {
	m.mu.Lock()
	mgr, cancel := m.detachLocked()
	m.selected = false
	m.current = model.InstanceRef{}
	m.mu.Unlock()

	stopSession(mgr, cancel)
}

// detachLocked clears the session fields and hands the old stream and
// poller back to the caller, which must stop them after releasing mu.
// Disconnect fires the state callback synchronously; running it under
// mu would deadlock against startPolling.
func (m *Monitor) detachLocked() (*stream.Manager, context.CancelFunc) {
	mgr, cancel := m.mgr, m.pollCancel
	m.mgr = nil
	m.pollCancel = nil
	return mgr, cancel
}

// stopSession shuts down a detached session. Handlers are dropped before
// the transport closes so no event for the old instance can be delivered
// during teardown.
func stopSession(mgr *stream.Manager, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if mgr != nil {
		mgr.UnsubscribeAll()
		mgr.Disconnect()
	}
}

// wireHandlers routes every stream event kind into the store, and closed
// trades additionally into the journal.
func (m *Monitor) wireHandlers(mgr *stream.Manager, inst model.InstanceRef, epoch int) {
	apply := func(ev model.Event) { m.store.ApplyEvent(epoch, ev) }
	mgr.Subscribe(model.EventStatus, apply)
	mgr.Subscribe(model.EventPositions, apply)
	mgr.Subscribe(model.EventLTPBatch, apply)
	mgr.Subscribe(model.EventClosedTrade, func(ev model.Event) {
		m.store.ApplyEvent(epoch, ev)
		if m.journal != nil && ev.ClosedTrade != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.journal.Record(ctx, inst.Name, *ev.ClosedTrade); err != nil {
				m.log.Warn("journal write failed", "instance", inst.Name, "err", err)
			}
		}
	})
}

// onStreamState flips between stream and polling mode. Connected stops the
// poller and refreshes the snapshot to cover anything missed while the
// stream was down; any other state resumes polling. A state change from a
// session that is no longer current is ignored.
func (m *Monitor) onStreamState(inst model.InstanceRef, epoch int, s stream.State) {
	if m.store.Epoch() != epoch {
		return
	}
	switch s {
	case stream.StateConnected:
		m.stopPolling()
		go m.refreshSnapshot(inst, epoch)
	case stream.StateDisconnected, stream.StateBackingOff:
		m.startPolling(inst, epoch)
	}
}

func (m *Monitor) refreshSnapshot(inst model.InstanceRef, epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	snap, err := m.client.FetchSnapshot(ctx, inst)
	if err != nil {
		m.log.Warn("snapshot refresh failed", "instance", inst.Name, "err", err)
		return
	}
	m.store.ApplySnapshot(epoch, snap)
}

// startPolling begins the snapshot fallback loop. Idempotent while a
// poller for the same session is running; a no-op once the session was
// stopped or superseded.
func (m *Monitor) startPolling(inst model.InstanceRef, epoch int) {
	m.mu.Lock()
	if !m.selected || m.pollCancel != nil || m.store.Epoch() != epoch {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	m.mu.Unlock()

	m.log.Info("snapshot polling started", "instance", inst.Name, "interval", m.interval)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshSnapshot(inst, epoch)
			}
		}
	}()
}

func (m *Monitor) stopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
		m.log.Info("snapshot polling stopped, stream is live")
	}
}
