// Package runs reads historical run artifacts written by the trading
// engines: per-run folders of JSONL event and analytics logs plus an
// optional pre-computed performance.json. The layout is
//
//	{root}/{config_type}/{run_id}/
//	    events.jsonl       DECISION / TRIGGER / EXIT stream
//	    analytics.jsonl    per-exit records with PnL
//	    performance.json   pre-computed summary (optional)
//	    agent.log          raw engine log
//
// where run_id encodes the session start as paper_YYYYMMDD_HHMMSS or
// live_YYYYMMDD_HHMMSS.
package runs

import (
	"context"
	"errors"
)

// ErrRunNotFound means the run folder does not exist under the given
// config type.
var ErrRunNotFound = errors.New("run not found")

// Record is one loosely-typed row from a JSONL log. The engines evolve
// these schemas independently of the dashboard, so rows are passed through
// rather than bound to structs.
type Record map[string]any

// RunInfo identifies one run folder.
type RunInfo struct {
	RunID      string `json:"run_id"`
	ConfigType string `json:"config_type"`
	Timestamp  string `json:"timestamp"` // ISO 8601, or "Unknown" when unparseable
	Path       string `json:"path,omitempty"`
}

// SetupStats aggregates closed trades that share a setup type.
type SetupStats struct {
	PnL   float64 `json:"pnl"`
	Count int     `json:"count"`
	Wins  int     `json:"wins"`
}

// RegimeStats aggregates closed trades that share a market regime.
type RegimeStats struct {
	PnL   float64 `json:"pnl"`
	Count int     `json:"count"`
}

// Summary is the per-run rollup, either lifted from performance.json or
// computed from analytics.jsonl.
type Summary struct {
	RunID       string                `json:"run_id"`
	ConfigType  string                `json:"config_type"`
	SessionID   string                `json:"session_id,omitempty"`
	Capital     *float64              `json:"capital"`
	TotalPnL    float64               `json:"total_pnl"`
	TotalTrades int                   `json:"total_trades"`
	Winners     int                   `json:"winners"`
	Losers      int                   `json:"losers"`
	WinRate     float64               `json:"win_rate"` // percent
	AvgWinner   float64               `json:"avg_winner"`
	AvgLoser    float64               `json:"avg_loser"`
	TotalFees   float64               `json:"total_fees"`
	BySetup     map[string]SetupStats `json:"by_setup"`
	// ByRegime is only available when the summary is computed from
	// analytics; performance.json does not record regimes.
	ByRegime map[string]RegimeStats `json:"by_regime,omitempty"`
	Trades   []Record               `json:"trades"`
}

// TradeDetail stitches together everything known about one trade: its
// DECISION and TRIGGER events plus every exit from analytics.
type TradeDetail struct {
	TradeID          string   `json:"trade_id"`
	ConfigType       string   `json:"config_type"`
	RunID            string   `json:"run_id"`
	Decision         Record   `json:"decision,omitempty"`
	Plan             Record   `json:"plan,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"`
	Trigger          Record   `json:"trigger,omitempty"`
	TriggerTimestamp string   `json:"trigger_timestamp,omitempty"`
	Exits            []Record `json:"exits"`
	TotalPnL         float64  `json:"total_pnl"`
}

// HistoricalPosition is a trade still open at the end of a run's event
// log: a TRIGGER without a final exit, qty adjusted for partial exits.
type HistoricalPosition struct {
	TradeID      string  `json:"trade_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Setup        string  `json:"setup,omitempty"`
	EntryPrice   float64 `json:"entry_price"`
	Qty          int64   `json:"qty"`
	ExitedQty    int64   `json:"exited_qty"`
	RemainingQty int64   `json:"remaining_qty"`
	EntryTime    string  `json:"entry_time,omitempty"`
}

// StageNames are the pipeline stages whose JSONL logs a run may carry,
// each in its own file next to events.jsonl.
var StageNames = []string{"decisions", "planning", "ranking", "scanning", "screening"}

// ErrUnknownStage means the requested stage is not one of StageNames.
var ErrUnknownStage = errors.New("unknown stage")

// Reader serves run artifacts. *FSReader is the filesystem implementation;
// *Cache wraps any Reader with Redis caching for the hot read paths.
type Reader interface {
	ConfigTypes(ctx context.Context) ([]string, error)
	ListRuns(ctx context.Context, configType string, limit int) ([]RunInfo, error)
	Summary(ctx context.Context, configType, runID string) (Summary, error)
	Performance(ctx context.Context, configType, runID string) (Record, error)
	Events(ctx context.Context, configType, runID string) ([]Record, error)
	Analytics(ctx context.Context, configType, runID string) ([]Record, error)
	Trades(ctx context.Context, configType, runID string) ([]Record, error)
	OpenPositions(ctx context.Context, configType, runID string) ([]HistoricalPosition, error)
	TradeDetail(ctx context.Context, configType, runID, tradeID string) (TradeDetail, error)
	StageLog(ctx context.Context, configType, runID, stage string) ([]Record, error)
	AgentLog(ctx context.Context, configType, runID string, lines int) (string, error)
	TradeLog(ctx context.Context, configType, runID string, lines int) (string, error)
	Files(ctx context.Context, configType, runID string) ([]string, error)
}

// recString reads a string field from a loosely-typed record.
func recString(r Record, key string) string {
	s, _ := r[key].(string)
	return s
}

// recFloat reads a numeric field, tolerating the int/float ambiguity of
// decoded JSON.
func recFloat(r Record, key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// recBool treats a missing field as false.
func recBool(r Record, key string) bool {
	b, _ := r[key].(bool)
	return b
}

// recMap reads a nested object field.
func recMap(r Record, key string) Record {
	m, _ := r[key].(map[string]any)
	return m
}
