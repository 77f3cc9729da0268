// Package model defines the shared domain types for the dashboard:
// engine instances, positions, closed trades, session aggregates and
// the typed events delivered over an engine's stream endpoint.
package model

import "time"

// InstanceCategory distinguishes paper from live trading engines.
type InstanceCategory string

const (
	CategoryPaper InstanceCategory = "paper"
	CategoryLive  InstanceCategory = "live"
)

// InstanceHealth is the last known health of an engine instance.
type InstanceHealth string

const (
	HealthOK        InstanceHealth = "ok"
	HealthUnhealthy InstanceHealth = "unhealthy"
	HealthOffline   InstanceHealth = "offline"
	HealthUnknown   InstanceHealth = "unknown"
)

// InstanceRef describes one running trading-engine process. Refs are
// rebuilt on every registry poll; the name is the only stable identity.
type InstanceRef struct {
	Name        string           `json:"name"`
	BaseURL     string           `json:"base_url"`
	Category    InstanceCategory `json:"category"`
	Description string           `json:"description,omitempty"`
	Health      InstanceHealth   `json:"health"`
	State       string           `json:"state,omitempty"`
}

// Side is the direction of a position, using the engine's wire values.
type Side string

const (
	SideLong  Side = "BUY"
	SideShort Side = "SELL"
)

// IsShort reports whether the side profits when price falls.
func (s Side) IsShort() bool { return s == SideShort }

// PositionView is one open position as seen by the dashboard.
// At most one PositionView exists per symbol per instance; Qty > 0 while open.
type PositionView struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Qty         int64     `json:"qty"`
	EntryPrice  float64   `json:"entry_price"`
	LastPrice   float64   `json:"last_price"`
	PriceSeen   bool      `json:"price_seen"`
	BookedPnL   float64   `json:"booked_pnl"`
	Unrealized  float64   `json:"unrealized_pnl"`
	PartialExit bool      `json:"partial_exit"`
	EntryTime   time.Time `json:"entry_time"`
}

// UnrealizedPnL computes the mark-to-market PnL against last.
// Shorts profit when price falls.
func (p *PositionView) UnrealizedPnL(last float64) float64 {
	if p.Side.IsShort() {
		return (p.EntryPrice - last) * float64(p.Qty)
	}
	return (last - p.EntryPrice) * float64(p.Qty)
}

// ClosedTradeRecord is a fully exited trade. Immutable once received.
type ClosedTradeRecord struct {
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int64     `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}

// SessionAggregate is the derived PnL summary for the selected instance.
type SessionAggregate struct {
	ClosedTrades  int     `json:"closed_trades"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	Winners       int     `json:"winners"`
	Losers        int     `json:"losers"`
	WinRate       float64 `json:"win_rate"`
}

// EngineStatus is the session/engine state reported by GET /status.
type EngineStatus struct {
	State      string    `json:"state"` // TRADING, PAUSED, STOPPED
	MISEnabled bool      `json:"mis_enabled"`
	Capital    float64   `json:"capital"`
	RunID      string    `json:"run_id,omitempty"`
	TS         time.Time `json:"ts"`
}

// Funds is the broker account balance from GET /funds.
type Funds struct {
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// FundsResult wraps a funds fetch; a failed call degrades to
// {status: "error", funds: null} rather than failing the refresh.
type FundsResult struct {
	Status string `json:"status"`
	Funds  *Funds `json:"funds"`
}

// PriceTick is the last traded price for one symbol from an ltp_batch frame.
type PriceTick struct {
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}

// Snapshot is one full REST refresh of an instance. Applied atomically
// to the reconciliation store, replacing all prior state.
type Snapshot struct {
	Instance  string              `json:"instance"`
	Status    *EngineStatus       `json:"status"`
	Positions []PositionView      `json:"positions"`
	Funds     FundsResult         `json:"funds"`
	Closed    []ClosedTradeRecord `json:"closed_trades"`
	FetchedAt time.Time           `json:"fetched_at"`
}
