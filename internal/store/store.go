// Package store is the reconciliation state machine for the selected
// engine instance. It merges REST snapshots with streamed deltas into one
// canonical view of positions, PnL and session state.
//
// Merge contract:
//   - a snapshot replaces everything atomically (REST is ground truth on
//     demand, the stream is ground truth between refreshes);
//   - a streamed position list replaces the whole open set, last list wins,
//     so applying the same list twice is a no-op;
//   - a streamed closed trade appends and updates the session aggregate
//     incrementally from that one record;
//   - a price batch recomputes unrealized PnL only for matching symbols and
//     never touches booked PnL.
//
// Every apply carries the instance epoch captured when its fetch or
// subscription began; anything arriving with an older epoch is discarded,
// so a response for a previously selected instance can never mutate state.
// Stream delivery order is trusted as-is; applySeq counts applies so a
// transport-level sequence number can be checked against it if ordering
// ever needs verification.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
)

// View is an immutable copy of the store's state handed to subscribers.
type View struct {
	Instance  string                    `json:"instance"`
	Status    *model.EngineStatus       `json:"status"`
	Positions []model.PositionView      `json:"positions"`
	Closed    []model.ClosedTradeRecord `json:"closed_trades"`
	Funds     model.FundsResult         `json:"funds"`
	Aggregate model.SessionAggregate    `json:"aggregate"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Store holds the reconciled state for the currently selected instance.
// All mutations are serialized under one mutex; subscribers are notified
// outside it.
type Store struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	epoch     int
	instance  string
	applySeq  int64
	updatedAt time.Time

	status    *model.EngineStatus
	positions map[string]model.PositionView
	closed    []model.ClosedTradeRecord
	funds     model.FundsResult

	// Incremental closed-trade counters, O(1) per streamed record.
	closedPnL float64
	winners   int
	losers    int

	subs      map[int]func(View)
	nextSubID int
}

// New creates an empty store. Both arguments may be nil.
func New(log *slog.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:       log,
		metrics:   m,
		positions: make(map[string]model.PositionView),
		closed:    []model.ClosedTradeRecord{},
		subs:      make(map[int]func(View)),
	}
}

// SelectInstance discards all state and starts a new epoch for the named
// instance. The returned epoch must accompany every subsequent apply; an
// apply carrying an older epoch is dropped.
func (s *Store) SelectInstance(name string) int {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.instance = name
	s.reset()
	s.mu.Unlock()

	s.notify()
	return epoch
}

// Epoch returns the current instance epoch.
func (s *Store) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// reset clears all reconciled state. Caller holds mu.
func (s *Store) reset() {
	s.status = nil
	s.positions = make(map[string]model.PositionView)
	s.closed = []model.ClosedTradeRecord{}
	s.funds = model.FundsResult{}
	s.closedPnL = 0
	s.winners = 0
	s.losers = 0
}

// stale reports and counts an apply that lost the epoch race. Caller holds mu.
func (s *Store) stale(epoch int, input string) bool {
	if epoch == s.epoch {
		return false
	}
	if s.metrics != nil {
		s.metrics.StaleApplyDrops.Inc()
	}
	s.log.Debug("discarding stale apply", "input", input, "epoch", epoch, "current", s.epoch)
	return true
}

// ApplySnapshot replaces the entire state from one REST refresh. Never
// merges field-by-field: a snapshot wins over anything the stream delivered
// before it. Returns false if the snapshot's epoch is stale.
func (s *Store) ApplySnapshot(epoch int, snap model.Snapshot) bool {
	s.mu.Lock()
	if s.stale(epoch, "snapshot") {
		s.mu.Unlock()
		return false
	}

	s.reset()
	s.status = snap.Status
	for _, p := range snap.Positions {
		s.positions[p.Symbol] = p
	}
	s.closed = append(s.closed, snap.Closed...)
	s.funds = snap.Funds
	for _, ct := range snap.Closed {
		s.countClosed(ct)
	}
	s.bumpApply("snapshot")
	s.mu.Unlock()

	s.notify()
	return true
}

// ApplyEvent applies one streamed delta. Returns false if the event's epoch
// is stale.
func (s *Store) ApplyEvent(epoch int, ev model.Event) bool {
	s.mu.Lock()
	if s.stale(epoch, ev.Kind.String()) {
		s.mu.Unlock()
		return false
	}

	switch ev.Kind {
	case model.EventStatus:
		// Only the session/engine state; positions are untouched.
		s.status = ev.Status
	case model.EventPositions:
		// Wholesale replace, identical to a snapshot's position set.
		s.positions = make(map[string]model.PositionView, len(ev.Positions))
		for _, p := range ev.Positions {
			s.positions[p.Symbol] = p
		}
	case model.EventClosedTrade:
		s.closed = append(s.closed, *ev.ClosedTrade)
		s.countClosed(*ev.ClosedTrade)
	case model.EventLTPBatch:
		s.applyPrices(ev.LTP)
	}
	s.bumpApply(ev.Kind.String())
	s.mu.Unlock()

	s.notify()
	return true
}

// applyPrices recomputes unrealized PnL for every position whose symbol
// appears in the batch. Positions without a tick keep their previous value;
// booked PnL is never touched by price events. Caller holds mu.
func (s *Store) applyPrices(batch map[string]model.PriceTick) {
	for sym, tick := range batch {
		p, ok := s.positions[sym]
		if !ok {
			continue
		}
		p.LastPrice = tick.Price
		p.PriceSeen = true
		p.Unrealized = p.UnrealizedPnL(tick.Price)
		s.positions[sym] = p
	}
}

// countClosed updates the incremental aggregate counters from one record.
// Caller holds mu.
func (s *Store) countClosed(ct model.ClosedTradeRecord) {
	s.closedPnL += ct.PnL
	if ct.PnL > 0 {
		s.winners++
	} else {
		s.losers++
	}
}

func (s *Store) bumpApply(input string) {
	s.applySeq++
	s.updatedAt = time.Now()
	if s.metrics != nil {
		s.metrics.StoreApplies.WithLabelValues(input).Inc()
	}
}

// ApplySeq returns the number of applies since the store was created.
func (s *Store) ApplySeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applySeq
}

// Subscribe registers a change callback, invoked with a fresh View after
// every applied mutation. Returns the unsubscribe function.
func (s *Store) Subscribe(fn func(View)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// View returns an immutable copy of the current state.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildView()
}

// buildView assembles a View. Caller holds mu.
func (s *Store) buildView() View {
	positions := make([]model.PositionView, 0, len(s.positions))
	var booked, unrealized float64
	for _, p := range s.positions {
		booked += p.BookedPnL
		unrealized += p.Unrealized
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].EntryTime.Equal(positions[j].EntryTime) {
			return positions[i].EntryTime.Before(positions[j].EntryTime)
		}
		return positions[i].Symbol < positions[j].Symbol
	})

	closed := make([]model.ClosedTradeRecord, len(s.closed))
	copy(closed, s.closed)

	realized := s.closedPnL + booked
	agg := model.SessionAggregate{
		ClosedTrades:  len(s.closed),
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TotalPnL:      realized + unrealized,
		Winners:       s.winners,
		Losers:        s.losers,
	}
	if s.winners+s.losers > 0 {
		agg.WinRate = float64(s.winners) / float64(s.winners+s.losers) * 100
	}

	return View{
		Instance:  s.instance,
		Status:    s.status,
		Positions: positions,
		Closed:    closed,
		Funds:     s.funds,
		Aggregate: agg,
		UpdatedAt: s.updatedAt,
	}
}

// notify delivers the current view to all subscribers, outside the lock.
func (s *Store) notify() {
	s.mu.Lock()
	view := s.buildView()
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}
