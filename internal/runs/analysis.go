package runs

import (
	"context"
	"sort"
)

// RegimeEntry is per-regime performance for one run.
type RegimeEntry struct {
	Regime string  `json:"regime"`
	Trades int     `json:"trades"`
	PnL    float64 `json:"pnl"`
	AvgPnL float64 `json:"avg_pnl"`
}

// SetupAnalysis ranks a run's setups by PnL, best first.
func SetupAnalysis(ctx context.Context, r Reader, configType, runID string) ([]SetupEntry, error) {
	summary, err := r.Summary(ctx, configType, runID)
	if err != nil {
		return nil, err
	}

	rows := []SetupEntry{}
	for setup, st := range summary.BySetup {
		row := SetupEntry{Setup: setup, Trades: st.Count, PnL: st.PnL, Wins: st.Wins}
		if st.Count > 0 {
			row.WinRate = float64(st.Wins) / float64(st.Count) * 100
			row.AvgPnL = st.PnL / float64(st.Count)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PnL > rows[j].PnL })
	return rows, nil
}

// RegimeAnalysis ranks a run's market regimes by PnL, best first. Empty
// for runs whose summary came from performance.json, which does not
// record regimes.
func RegimeAnalysis(ctx context.Context, r Reader, configType, runID string) ([]RegimeEntry, error) {
	summary, err := r.Summary(ctx, configType, runID)
	if err != nil {
		return nil, err
	}

	rows := []RegimeEntry{}
	for regime, st := range summary.ByRegime {
		row := RegimeEntry{Regime: regime, Trades: st.Count, PnL: st.PnL}
		if st.Count > 0 {
			row.AvgPnL = st.PnL / float64(st.Count)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PnL > rows[j].PnL })
	return rows, nil
}
