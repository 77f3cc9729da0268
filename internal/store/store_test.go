package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
)

func pos(symbol string, side model.Side, qty int64, entry float64) model.PositionView {
	return model.PositionView{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entry,
		EntryTime:  time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC),
	}
}

func positionsEvent(ps ...model.PositionView) model.Event {
	if ps == nil {
		ps = []model.PositionView{}
	}
	return model.Event{Kind: model.EventPositions, Positions: ps}
}

func TestStore_SnapshotReplacesEverything(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	ok := s.ApplySnapshot(epoch, model.Snapshot{
		Instance:  "fixed",
		Status:    &model.EngineStatus{State: "TRADING", Capital: 100000},
		Positions: []model.PositionView{pos("RELIANCE", model.SideLong, 10, 2500)},
		Closed:    []model.ClosedTradeRecord{{TradeID: "t1", Symbol: "INFY", PnL: 500}},
	})
	require.True(t, ok)

	v := s.View()
	require.NotNil(t, v.Status)
	assert.Equal(t, "TRADING", v.Status.State)
	require.Len(t, v.Positions, 1)
	assert.Equal(t, "RELIANCE", v.Positions[0].Symbol)
	assert.Equal(t, 1, v.Aggregate.ClosedTrades)

	// A later snapshot wins over everything applied before it.
	ok = s.ApplySnapshot(epoch, model.Snapshot{
		Instance: "fixed",
		Status:   &model.EngineStatus{State: "PAUSED"},
	})
	require.True(t, ok)

	v = s.View()
	assert.Equal(t, "PAUSED", v.Status.State)
	assert.Empty(t, v.Positions)
	assert.Empty(t, v.Closed)
	assert.Equal(t, 0, v.Aggregate.ClosedTrades)
	assert.Zero(t, v.Aggregate.RealizedPnL)
}

func TestStore_PositionListReplacesNotMerges(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, positionsEvent(
		pos("RELIANCE", model.SideLong, 10, 2500),
		pos("INFY", model.SideShort, 5, 1500),
	))
	require.Len(t, s.View().Positions, 2)

	// The next list drops INFY entirely; the store must not keep it around.
	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))

	v := s.View()
	require.Len(t, v.Positions, 1)
	assert.Equal(t, "RELIANCE", v.Positions[0].Symbol)
}

func TestStore_PositionListIdempotent(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	ev := positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500))
	s.ApplyEvent(epoch, ev)
	first := s.View()
	s.ApplyEvent(epoch, ev)
	second := s.View()

	assert.Equal(t, first.Positions, second.Positions)
	assert.Equal(t, first.Aggregate, second.Aggregate)
}

func TestStore_EmptyPositionList(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))
	s.ApplyEvent(epoch, positionsEvent())

	v := s.View()
	assert.NotNil(t, v.Positions)
	assert.Empty(t, v.Positions)
}

func TestStore_PriceBatchUnrealized(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	long := pos("RELIANCE", model.SideLong, 10, 2500)
	short := pos("INFY", model.SideShort, 10, 1500)
	long.BookedPnL = 75
	s.ApplyEvent(epoch, positionsEvent(long, short))

	s.ApplyEvent(epoch, model.Event{Kind: model.EventLTPBatch, LTP: map[string]model.PriceTick{
		"RELIANCE": {Price: 2510},
		"INFY":     {Price: 1510},
	}})

	v := s.View()
	bySym := map[string]model.PositionView{}
	for _, p := range v.Positions {
		bySym[p.Symbol] = p
	}

	// Long gains when price rises, short loses by the same magnitude.
	assert.InDelta(t, 100, bySym["RELIANCE"].Unrealized, 1e-9)
	assert.InDelta(t, -100, bySym["INFY"].Unrealized, 1e-9)
	assert.True(t, bySym["RELIANCE"].PriceSeen)
	assert.Equal(t, 2510.0, bySym["RELIANCE"].LastPrice)

	// Booked PnL is never touched by a price event.
	assert.Equal(t, 75.0, bySym["RELIANCE"].BookedPnL)
}

func TestStore_PriceBatchUnknownSymbolIgnored(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))
	s.ApplyEvent(epoch, model.Event{Kind: model.EventLTPBatch, LTP: map[string]model.PriceTick{
		"TCS": {Price: 4000},
	}})

	v := s.View()
	require.Len(t, v.Positions, 1)
	assert.False(t, v.Positions[0].PriceSeen)
	assert.Zero(t, v.Positions[0].Unrealized)
}

func TestStore_ClosedTradeAggregate(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{
		TradeID: "t1", Symbol: "RELIANCE", PnL: 500,
	}})

	agg := s.View().Aggregate
	assert.Equal(t, 1, agg.ClosedTrades)
	assert.InDelta(t, 500, agg.RealizedPnL, 1e-9)
	assert.Equal(t, 1, agg.Winners)
	assert.Equal(t, 0, agg.Losers)
	assert.InDelta(t, 100, agg.WinRate, 1e-9)

	s.ApplyEvent(epoch, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{
		TradeID: "t2", Symbol: "INFY", PnL: -200,
	}})

	agg = s.View().Aggregate
	assert.Equal(t, 2, agg.ClosedTrades)
	assert.InDelta(t, 300, agg.RealizedPnL, 1e-9)
	assert.Equal(t, 1, agg.Winners)
	assert.Equal(t, 1, agg.Losers)
	assert.InDelta(t, 50, agg.WinRate, 1e-9)
}

func TestStore_ZeroPnLCountsAsLoser(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{
		TradeID: "t1", PnL: 0,
	}})

	agg := s.View().Aggregate
	assert.Equal(t, 0, agg.Winners)
	assert.Equal(t, 1, agg.Losers)
	assert.Zero(t, agg.WinRate)
}

func TestStore_AggregateIncludesBookedAndUnrealized(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	open := pos("RELIANCE", model.SideLong, 10, 2500)
	open.BookedPnL = 150
	s.ApplyEvent(epoch, positionsEvent(open))
	s.ApplyEvent(epoch, model.Event{Kind: model.EventLTPBatch, LTP: map[string]model.PriceTick{
		"RELIANCE": {Price: 2510},
	}})
	s.ApplyEvent(epoch, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{
		TradeID: "t1", PnL: 500,
	}})

	agg := s.View().Aggregate
	assert.InDelta(t, 650, agg.RealizedPnL, 1e-9)   // 500 closed + 150 booked
	assert.InDelta(t, 100, agg.UnrealizedPnL, 1e-9) // (2510-2500)*10
	assert.InDelta(t, 750, agg.TotalPnL, 1e-9)
}

func TestStore_StatusEventLeavesPositionsAlone(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))
	s.ApplyEvent(epoch, model.Event{Kind: model.EventStatus, Status: &model.EngineStatus{State: "PAUSED"}})

	v := s.View()
	assert.Equal(t, "PAUSED", v.Status.State)
	assert.Len(t, v.Positions, 1)
}

func TestStore_StaleEpochDropped(t *testing.T) {
	s := New(nil, nil)
	old := s.SelectInstance("fixed")
	s.SelectInstance("relative")

	// A snapshot or event from the previously selected instance must not
	// land in the new instance's state.
	ok := s.ApplySnapshot(old, model.Snapshot{
		Positions: []model.PositionView{pos("RELIANCE", model.SideLong, 10, 2500)},
	})
	assert.False(t, ok)
	ok = s.ApplyEvent(old, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{PnL: 500}})
	assert.False(t, ok)

	v := s.View()
	assert.Equal(t, "relative", v.Instance)
	assert.Empty(t, v.Positions)
	assert.Equal(t, 0, v.Aggregate.ClosedTrades)
}

func TestStore_SelectInstanceClearsState(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")
	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))
	s.ApplyEvent(epoch, model.Event{Kind: model.EventClosedTrade, ClosedTrade: &model.ClosedTradeRecord{PnL: 500}})

	next := s.SelectInstance("relative")
	assert.Greater(t, next, epoch)

	v := s.View()
	assert.Nil(t, v.Status)
	assert.Empty(t, v.Positions)
	assert.Empty(t, v.Closed)
	assert.Zero(t, v.Aggregate.RealizedPnL)
}

func TestStore_SubscribersNotified(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")

	var views []View
	unsub := s.Subscribe(func(v View) { views = append(views, v) })

	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))
	require.Len(t, views, 1)
	assert.Len(t, views[0].Positions, 1)

	unsub()
	s.ApplyEvent(epoch, positionsEvent())
	assert.Len(t, views, 1)
}

func TestStore_ViewIsACopy(t *testing.T) {
	s := New(nil, nil)
	epoch := s.SelectInstance("fixed")
	s.ApplyEvent(epoch, positionsEvent(pos("RELIANCE", model.SideLong, 10, 2500)))

	v := s.View()
	v.Positions[0].Symbol = "MUTATED"
	v.Closed = append(v.Closed, model.ClosedTradeRecord{})

	assert.Equal(t, "RELIANCE", s.View().Positions[0].Symbol)
	assert.Empty(t, s.View().Closed)
}
