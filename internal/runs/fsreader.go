package runs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// runIDLayout matches the timestamp part of paper_20260830_093000.
const runIDLayout = "20060102_150405"

// runPrefixes are the folder-name prefixes that mark a run directory.
var runPrefixes = []string{"paper_", "live_"}

// FSReader reads run artifacts from a local directory tree.
type FSReader struct {
	root string
	log  *slog.Logger
}

// NewFSReader creates a reader rooted at dir.
func NewFSReader(dir string, log *slog.Logger) *FSReader {
	if log == nil {
		log = slog.Default()
	}
	return &FSReader{root: dir, log: log}
}

func (f *FSReader) runDir(configType, runID string) string {
	return filepath.Join(f.root, configType, runID)
}

// ConfigTypes lists the top-level config folders that exist under the root.
func (f *FSReader) ConfigTypes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}
	types := []string{}
	for _, e := range entries {
		if e.IsDir() {
			types = append(types, e.Name())
		}
	}
	sort.Strings(types)
	return types, nil
}

// ListRuns lists run folders for a config type, newest first. Folder names
// without a recognized prefix are skipped; an unparseable timestamp yields
// "Unknown" rather than dropping the run.
func (f *FSReader) ListRuns(_ context.Context, configType string, limit int) ([]RunInfo, error) {
	dir := filepath.Join(f.root, configType)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunInfo{}, nil
		}
		return nil, fmt.Errorf("read config dir %s: %w", configType, err)
	}

	runs := []RunInfo{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		prefix := ""
		for _, p := range runPrefixes {
			if strings.HasPrefix(name, p) {
				prefix = p
				break
			}
		}
		if prefix == "" {
			continue
		}

		ts := "Unknown"
		if t, err := time.Parse(runIDLayout, strings.TrimPrefix(name, prefix)); err == nil {
			ts = t.Format(time.RFC3339)
		}
		runs = append(runs, RunInfo{
			RunID:      name,
			ConfigType: configType,
			Timestamp:  ts,
			Path:       filepath.Join(dir, name),
		})
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID > runs[j].RunID })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// readJSONL parses one record per line, skipping blank and malformed lines.
// A missing file reads as an empty log.
func (f *FSReader) readJSONL(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	records := []Record{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			f.log.Debug("skipping malformed jsonl line", "file", path, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return records, nil
}

func (f *FSReader) requireRun(configType, runID string) error {
	info, err := os.Stat(f.runDir(configType, runID))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s/%s", ErrRunNotFound, configType, runID)
	}
	return nil
}

// Events returns the full DECISION/TRIGGER/EXIT event log for a run.
func (f *FSReader) Events(_ context.Context, configType, runID string) ([]Record, error) {
	if err := f.requireRun(configType, runID); err != nil {
		return nil, err
	}
	return f.readJSONL(filepath.Join(f.runDir(configType, runID), "events.jsonl"))
}

// Analytics returns the per-exit analytics log for a run.
func (f *FSReader) Analytics(_ context.Context, configType, runID string) ([]Record, error) {
	if err := f.requireRun(configType, runID); err != nil {
		return nil, err
	}
	return f.readJSONL(filepath.Join(f.runDir(configType, runID), "analytics.jsonl"))
}

// Trades returns only the final exits, one record per completed trade.
func (f *FSReader) Trades(ctx context.Context, configType, runID string) ([]Record, error) {
	analytics, err := f.Analytics(ctx, configType, runID)
	if err != nil {
		return nil, err
	}
	trades := []Record{}
	for _, rec := range analytics {
		if recBool(rec, "is_final_exit") {
			trades = append(trades, rec)
		}
	}
	return trades, nil
}

// OpenPositions derives the trades still open at the end of a run's event
// log: every TRIGGER whose trade has no final exit in analytics, with qty
// reduced by any partial EXIT events.
func (f *FSReader) OpenPositions(ctx context.Context, configType, runID string) ([]HistoricalPosition, error) {
	events, err := f.Events(ctx, configType, runID)
	if err != nil {
		return nil, err
	}
	analytics, err := f.Analytics(ctx, configType, runID)
	if err != nil {
		return nil, err
	}

	closed := map[string]bool{}
	for _, rec := range analytics {
		if recBool(rec, "is_final_exit") {
			closed[recString(rec, "trade_id")] = true
		}
	}

	exited := map[string]int64{}
	var order []string
	triggered := map[string]HistoricalPosition{}
	for _, ev := range events {
		tradeID := recString(ev, "trade_id")
		switch recString(ev, "type") {
		case "TRIGGER":
			trig := recMap(ev, "trigger")
			if _, seen := triggered[tradeID]; !seen {
				order = append(order, tradeID)
			}
			triggered[tradeID] = HistoricalPosition{
				TradeID:    tradeID,
				Symbol:     strings.TrimPrefix(recString(ev, "symbol"), "NSE:"),
				Side:       recString(trig, "side"),
				Setup:      recString(trig, "strategy"),
				EntryPrice: recFloat(trig, "actual_price"),
				Qty:        int64(recFloat(trig, "qty")),
				EntryTime:  recString(ev, "ts"),
			}
		case "EXIT":
			exited[tradeID] += int64(recFloat(recMap(ev, "exit"), "qty"))
		}
	}

	open := []HistoricalPosition{}
	for _, tradeID := range order {
		if closed[tradeID] {
			continue
		}
		pos := triggered[tradeID]
		pos.ExitedQty = exited[tradeID]
		pos.RemainingQty = pos.Qty - pos.ExitedQty
		if pos.RemainingQty > 0 {
			open = append(open, pos)
		}
	}
	return open, nil
}

// stageFiles maps a stage name to its JSONL file inside the run folder.
var stageFiles = map[string]string{
	"decisions": "events_decisions.jsonl",
	"planning":  "planning.jsonl",
	"ranking":   "ranking.jsonl",
	"scanning":  "scanning.jsonl",
	"screening": "screening.jsonl",
}

// StageLog returns one pipeline stage's JSONL log for a run. A stage the
// engine did not log reads as empty, same as any missing JSONL file.
func (f *FSReader) StageLog(_ context.Context, configType, runID, stage string) ([]Record, error) {
	file, ok := stageFiles[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if err := f.requireRun(configType, runID); err != nil {
		return nil, err
	}
	return f.readJSONL(filepath.Join(f.runDir(configType, runID), file))
}

// Performance loads the pre-computed performance.json, or nil when the
// engine did not write one.
func (f *FSReader) Performance(_ context.Context, configType, runID string) (Record, error) {
	if err := f.requireRun(configType, runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.runDir(configType, runID), "performance.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read performance.json: %w", err)
	}
	var perf Record
	if err := json.Unmarshal(data, &perf); err != nil {
		return nil, fmt.Errorf("parse performance.json: %w", err)
	}
	return perf, nil
}

// Summary rolls up one run. performance.json is authoritative when present;
// otherwise the summary is computed from the analytics final exits.
func (f *FSReader) Summary(ctx context.Context, configType, runID string) (Summary, error) {
	perf, err := f.Performance(ctx, configType, runID)
	if err != nil {
		return Summary{}, err
	}
	if perf != nil {
		if s, ok := summaryFromPerformance(configType, runID, perf); ok {
			return s, nil
		}
	}

	trades, err := f.Trades(ctx, configType, runID)
	if err != nil {
		return Summary{}, err
	}
	return summaryFromTrades(configType, runID, trades), nil
}

// summaryFromPerformance lifts the engine's own rollup. The file stores
// win_rate as a fraction; the dashboard reports percent everywhere.
func summaryFromPerformance(configType, runID string, perf Record) (Summary, bool) {
	summary := recMap(perf, "summary")
	if summary == nil {
		return Summary{}, false
	}

	trades := []Record{}
	if raw, ok := perf["trades"].([]any); ok {
		for _, t := range raw {
			if m, ok := t.(map[string]any); ok {
				trades = append(trades, Record(m))
			}
		}
	}

	bySetup := map[string]SetupStats{}
	for _, t := range trades {
		setup := recString(t, "setup")
		if setup == "" {
			setup = "unknown"
		}
		st := bySetup[setup]
		st.PnL += recFloat(t, "pnl")
		st.Count++
		if recFloat(t, "pnl") > 0 {
			st.Wins++
		}
		bySetup[setup] = st
	}

	s := Summary{
		RunID:       runID,
		ConfigType:  configType,
		SessionID:   recString(perf, "session_id"),
		TotalPnL:    recFloat(summary, "total_pnl"),
		TotalTrades: int(recFloat(summary, "completed_trades")),
		Winners:     int(recFloat(summary, "wins")),
		Losers:      int(recFloat(summary, "losses")),
		WinRate:     recFloat(summary, "win_rate") * 100,
		BySetup:     bySetup,
		Trades:      trades,
	}
	if capital, ok := perf["capital"].(float64); ok {
		s.Capital = &capital
	}
	if exec := recMap(perf, "execution"); exec != nil {
		s.TotalFees = recFloat(exec, "total_fees")
	}
	return s, true
}

// summaryFromTrades computes the rollup from analytics final exits.
func summaryFromTrades(configType, runID string, trades []Record) Summary {
	s := Summary{
		RunID:      runID,
		ConfigType: configType,
		BySetup:    map[string]SetupStats{},
		ByRegime:   map[string]RegimeStats{},
		Trades:     trades,
	}

	var winSum, lossSum float64
	for _, t := range trades {
		pnl := recFloat(t, "total_trade_pnl")
		s.TotalPnL += pnl
		if pnl > 0 {
			s.Winners++
			winSum += pnl
		} else {
			s.Losers++
			lossSum += pnl
		}

		setup := recString(t, "setup_type")
		if setup == "" {
			setup = "unknown"
		}
		st := s.BySetup[setup]
		st.PnL += pnl
		st.Count++
		if pnl > 0 {
			st.Wins++
		}
		s.BySetup[setup] = st

		regime := recString(t, "regime")
		if regime == "" {
			regime = "unknown"
		}
		rg := s.ByRegime[regime]
		rg.PnL += pnl
		rg.Count++
		s.ByRegime[regime] = rg
	}

	s.TotalTrades = len(trades)
	if len(trades) > 0 {
		s.WinRate = float64(s.Winners) / float64(len(trades)) * 100
	}
	if s.Winners > 0 {
		s.AvgWinner = winSum / float64(s.Winners)
	}
	if s.Losers > 0 {
		s.AvgLoser = lossSum / float64(s.Losers)
	}
	return s
}

// TradeDetail reassembles one trade from its DECISION and TRIGGER events
// plus every exit recorded in analytics.
func (f *FSReader) TradeDetail(ctx context.Context, configType, runID, tradeID string) (TradeDetail, error) {
	events, err := f.Events(ctx, configType, runID)
	if err != nil {
		return TradeDetail{}, err
	}
	analytics, err := f.Analytics(ctx, configType, runID)
	if err != nil {
		return TradeDetail{}, err
	}

	detail := TradeDetail{
		TradeID:    tradeID,
		ConfigType: configType,
		RunID:      runID,
		Exits:      []Record{},
	}

	for _, ev := range events {
		if recString(ev, "trade_id") != tradeID {
			continue
		}
		switch recString(ev, "type") {
		case "DECISION":
			if detail.Decision == nil {
				detail.Decision = recMap(ev, "decision")
				detail.Plan = recMap(ev, "plan")
				detail.Timestamp = recString(ev, "ts")
			}
		case "TRIGGER":
			if detail.Trigger == nil {
				detail.Trigger = recMap(ev, "trigger")
				detail.TriggerTimestamp = recString(ev, "ts")
			}
		}
	}

	for _, rec := range analytics {
		if recString(rec, "trade_id") != tradeID {
			continue
		}
		detail.Exits = append(detail.Exits, rec)
		if recBool(rec, "is_final_exit") {
			detail.TotalPnL = recFloat(rec, "total_trade_pnl")
		}
	}

	return detail, nil
}

// AgentLog returns the last n lines of agent.log, or the whole file when
// n <= 0. A missing log reads as empty.
func (f *FSReader) AgentLog(ctx context.Context, configType, runID string, lines int) (string, error) {
	return f.tailLog(configType, runID, "agent.log", lines)
}

// TradeLog returns the last n lines of trade_logs.log, same semantics as
// AgentLog.
func (f *FSReader) TradeLog(ctx context.Context, configType, runID string, lines int) (string, error) {
	return f.tailLog(configType, runID, "trade_logs.log", lines)
}

func (f *FSReader) tailLog(configType, runID, name string, lines int) (string, error) {
	if err := f.requireRun(configType, runID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(f.runDir(configType, runID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	content := string(data)
	if lines <= 0 {
		return content, nil
	}
	all := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

// Files lists the artifact filenames inside a run folder.
func (f *FSReader) Files(_ context.Context, configType, runID string) ([]string, error) {
	if err := f.requireRun(configType, runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.runDir(configType, runID))
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
