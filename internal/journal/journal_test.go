package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleTrade(id string, pnl float64) model.ClosedTradeRecord {
	return model.ClosedTradeRecord{
		TradeID:    id,
		Symbol:     "RELIANCE",
		Side:       model.SideLong,
		Qty:        10,
		EntryPrice: 2500,
		ExitPrice:  2550,
		PnL:        pnl,
		Reason:     "target",
		EntryTime:  time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC),
		ExitTime:   time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC),
	}
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T1", 500)))
	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T2", -200)))
	require.NoError(t, j.Record(ctx, "live", sampleTrade("T3", 100)))

	entries, err := j.Recent(ctx, "fixed", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ids := []string{entries[0].Trade.TradeID, entries[1].Trade.TradeID}
	assert.ElementsMatch(t, []string{"T1", "T2"}, ids)
	assert.Equal(t, model.SideLong, entries[0].Trade.Side)
	assert.Equal(t, "target", entries[0].Trade.Reason)
	assert.False(t, entries[0].RecordedAt.IsZero())
}

func TestJournal_DuplicateTradeIgnored(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T1", 500)))
	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T1", 500)))

	entries, err := j.Recent(ctx, "fixed", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_SameTradeIDAcrossInstances(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T1", 500)))
	require.NoError(t, j.Record(ctx, "live", sampleTrade("T1", 500)))

	fixed, err := j.Recent(ctx, "fixed", 10)
	require.NoError(t, err)
	live, err := j.Recent(ctx, "live", 10)
	require.NoError(t, err)
	assert.Len(t, fixed, 1)
	assert.Len(t, live, 1)
}

func TestJournal_SessionPnL(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T1", 500)))
	require.NoError(t, j.Record(ctx, "fixed", sampleTrade("T2", -200)))

	count, pnl, err := j.SessionPnL(ctx, "fixed", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.InDelta(t, 300, pnl, 1e-9)

	count, pnl, err = j.SessionPnL(ctx, "fixed", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Zero(t, pnl)
}

func TestJournal_RecentEmpty(t *testing.T) {
	j := openTestJournal(t)

	entries, err := j.Recent(context.Background(), "fixed", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
