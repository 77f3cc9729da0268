// Package journal persists every closed trade the dashboard observes to
// SQLite, so a dashboard restart mid-session does not lose the day's trade
// history even when the engine's own run folder is unreachable.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"trading-dashboard/internal/model"
)

// Journal is a single-writer SQLite store of observed closed trades.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Entry is one journaled closed trade.
type Entry struct {
	ID         string                  `json:"id"`
	Instance   string                  `json:"instance"`
	Trade      model.ClosedTradeRecord `json:"trade"`
	RecordedAt time.Time               `json:"recorded_at"`
}

// Open opens or creates the journal database with WAL mode enabled.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("journal opened", "path", path)
	return &Journal{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS closed_trades (
			id          TEXT PRIMARY KEY,
			instance    TEXT    NOT NULL,
			trade_id    TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			qty         INTEGER NOT NULL,
			entry_price REAL    NOT NULL,
			exit_price  REAL    NOT NULL,
			pnl         REAL    NOT NULL,
			reason      TEXT,
			entry_time  INTEGER,
			exit_time   INTEGER,
			recorded_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_closed_trades_dedupe
			ON closed_trades (instance, trade_id);
		CREATE INDEX IF NOT EXISTS idx_closed_trades_recent
			ON closed_trades (instance, recorded_at);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Record journals one closed trade. A redelivered trade (same instance and
// trade ID) is ignored rather than duplicated.
func (j *Journal) Record(ctx context.Context, instance string, ct model.ClosedTradeRecord) error {
	id := ulid.Make().String()
	res, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO closed_trades
			(id, instance, trade_id, symbol, side, qty, entry_price, exit_price, pnl, reason, entry_time, exit_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, instance, ct.TradeID, ct.Symbol, string(ct.Side), ct.Qty,
		ct.EntryPrice, ct.ExitPrice, ct.PnL, ct.Reason,
		ct.EntryTime.Unix(), ct.ExitTime.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		j.log.Debug("duplicate closed trade ignored", "instance", instance, "trade_id", ct.TradeID)
	}
	return nil
}

// Recent returns the newest journaled trades for an instance.
func (j *Journal) Recent(ctx context.Context, instance string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, instance, trade_id, symbol, side, qty, entry_price, exit_price, pnl, reason, entry_time, exit_time, recorded_at
		FROM closed_trades
		WHERE instance = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, instance, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var side string
		var entryTS, exitTS, recordedTS int64
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.Instance, &e.Trade.TradeID, &e.Trade.Symbol, &side, &e.Trade.Qty,
			&e.Trade.EntryPrice, &e.Trade.ExitPrice, &e.Trade.PnL, &reason, &entryTS, &exitTS, &recordedTS); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Trade.Side = model.Side(side)
		e.Trade.Reason = reason.String
		e.Trade.EntryTime = time.Unix(entryTS, 0).UTC()
		e.Trade.ExitTime = time.Unix(exitTS, 0).UTC()
		e.RecordedAt = time.Unix(recordedTS, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SessionPnL sums journaled PnL for an instance since the given time.
func (j *Journal) SessionPnL(ctx context.Context, instance string, since time.Time) (int, float64, error) {
	var count int
	var pnl sql.NullFloat64
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(pnl) FROM closed_trades
		WHERE instance = ? AND recorded_at >= ?
	`, instance, since.Unix()).Scan(&count, &pnl)
	if err != nil {
		return 0, 0, fmt.Errorf("journal sum: %w", err)
	}
	return count, pnl.Float64, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
