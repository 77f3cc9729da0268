package runs

import (
	"context"
	"sort"
)

// aggregateScanLimit bounds how many runs one aggregate request will read.
const aggregateScanLimit = 500

// DailyEntry is one run's contribution to an aggregate, in date order.
type DailyEntry struct {
	Date          string  `json:"date"`
	RunID         string  `json:"run_id"`
	PnL           float64 `json:"pnl"`
	Trades        int     `json:"trades"`
	Winners       int     `json:"winners"`
	Losers        int     `json:"losers"`
	WinRate       float64 `json:"win_rate"`
	CumulativePnL float64 `json:"cumulative_pnl"`
}

// SetupEntry is per-setup performance across the aggregated runs.
type SetupEntry struct {
	Setup   string  `json:"setup"`
	Trades  int     `json:"trades"`
	PnL     float64 `json:"pnl"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	AvgPnL  float64 `json:"avg_pnl"`
}

// AggregateSummary rolls up every run of a config type, optionally
// restricted to a date range.
type AggregateSummary struct {
	ConfigType     string       `json:"config_type"`
	Days           int          `json:"days"`
	GrossPnL       float64      `json:"gross_pnl"`
	NetPnL         float64      `json:"net_pnl"`
	TotalPnL       float64      `json:"total_pnl"`
	TotalTrades    int          `json:"total_trades"`
	Winners        int          `json:"winners"`
	Losers         int          `json:"losers"`
	WinRate        float64      `json:"win_rate"`
	TotalFees      float64      `json:"total_fees"`
	AvgPnLPerDay   float64      `json:"avg_pnl_per_day"`
	AvgPnLPerTrade float64      `json:"avg_pnl_per_trade"`
	BySetup        []SetupEntry `json:"by_setup"`
	Daily          []DailyEntry `json:"daily_data"`
	Trades         []Record     `json:"trades"`
	DateFrom       string       `json:"date_from,omitempty"`
	DateTo         string       `json:"date_to,omitempty"`
}

// Aggregate sums every run summary for a config type. dateFrom and dateTo
// are inclusive YYYY-MM-DD bounds; either may be empty. Runs whose
// timestamp could not be parsed are included regardless of the range, the
// range only excludes runs it can actually date.
func Aggregate(ctx context.Context, r Reader, configType, dateFrom, dateTo string) (AggregateSummary, error) {
	all, err := r.ListRuns(ctx, configType, aggregateScanLimit)
	if err != nil {
		return AggregateSummary{}, err
	}

	selected := []RunInfo{}
	for _, run := range all {
		if dateFrom != "" || dateTo != "" {
			if d := runDate(run); d != "" {
				if dateFrom != "" && d < dateFrom {
					continue
				}
				if dateTo != "" && d > dateTo {
					continue
				}
			}
		}
		selected = append(selected, run)
	}

	agg := AggregateSummary{
		ConfigType: configType,
		Days:       len(selected),
		Daily:      []DailyEntry{},
		Trades:     []Record{},
		BySetup:    []SetupEntry{},
	}
	if len(selected) == 0 {
		return agg, nil
	}

	bySetup := map[string]SetupStats{}
	for _, run := range selected {
		summary, err := r.Summary(ctx, configType, run.RunID)
		if err != nil {
			return AggregateSummary{}, err
		}

		agg.TotalPnL += summary.TotalPnL
		agg.TotalTrades += summary.TotalTrades
		agg.Winners += summary.Winners
		agg.Losers += summary.Losers
		agg.TotalFees += summary.TotalFees
		agg.Trades = append(agg.Trades, summary.Trades...)

		for setup, st := range summary.BySetup {
			acc := bySetup[setup]
			acc.PnL += st.PnL
			acc.Count += st.Count
			acc.Wins += st.Wins
			bySetup[setup] = acc
		}

		agg.Daily = append(agg.Daily, DailyEntry{
			Date:    run.Timestamp,
			RunID:   run.RunID,
			PnL:     summary.TotalPnL,
			Trades:  summary.TotalTrades,
			Winners: summary.Winners,
			Losers:  summary.Losers,
			WinRate: summary.WinRate,
		})
	}

	sort.Slice(agg.Daily, func(i, j int) bool { return agg.Daily[i].Date < agg.Daily[j].Date })
	cumulative := 0.0
	for i := range agg.Daily {
		cumulative += agg.Daily[i].PnL
		agg.Daily[i].CumulativePnL = cumulative
	}

	agg.NetPnL = agg.TotalPnL
	agg.GrossPnL = agg.TotalPnL + agg.TotalFees
	if agg.TotalTrades > 0 {
		agg.WinRate = float64(agg.Winners) / float64(agg.TotalTrades) * 100
		agg.AvgPnLPerTrade = agg.NetPnL / float64(agg.TotalTrades)
	}
	agg.AvgPnLPerDay = agg.NetPnL / float64(len(selected))

	for setup, st := range bySetup {
		entry := SetupEntry{Setup: setup, Trades: st.Count, PnL: st.PnL, Wins: st.Wins}
		if st.Count > 0 {
			entry.WinRate = float64(st.Wins) / float64(st.Count) * 100
			entry.AvgPnL = st.PnL / float64(st.Count)
		}
		agg.BySetup = append(agg.BySetup, entry)
	}
	sort.Slice(agg.BySetup, func(i, j int) bool { return agg.BySetup[i].PnL > agg.BySetup[j].PnL })

	if len(agg.Daily) > 0 {
		agg.DateFrom = dateOnly(agg.Daily[0].Date)
		agg.DateTo = dateOnly(agg.Daily[len(agg.Daily)-1].Date)
	}
	return agg, nil
}

// runDate extracts the YYYY-MM-DD part of a run's timestamp, or "" when
// the timestamp is unknown.
func runDate(run RunInfo) string {
	return dateOnly(run.Timestamp)
}

func dateOnly(ts string) string {
	if len(ts) < 10 {
		return ""
	}
	return ts[:10]
}
