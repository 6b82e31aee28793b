package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/marketsync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- Symbols ---

func TestSQLite_ImportSymbols(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	added, err := st.ImportSymbols(ctx, []string{"AAPL", "msft", " NVDA ", ""})
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	// Re-import is idempotent.
	added, err = st.ImportSymbols(ctx, []string{"AAPL", "GOOG"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	symbols, err := st.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "GOOG", "MSFT", "NVDA"}, symbols)

	n, err := st.CountSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// --- Raw facts ---

func TestSQLite_LatestRecordDate_NoData(t *testing.T) {
	st := newTestSQLiteStore(t)

	latest, err := st.LatestRecordDate(context.Background(), "AAPL", model.CategoryPrices)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSQLite_PriceBars(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.ImportSymbols(ctx, []string{"AAPL"})
	require.NoError(t, err)

	bars := []model.PriceBar{
		{Symbol: "AAPL", Date: day(2025, time.March, 10), Open: 190, High: 192, Low: 189, Close: 191, Volume: 1000},
		{Symbol: "AAPL", Date: day(2025, time.March, 11), Open: 191, High: 194, Low: 190, Close: 193, Volume: 1200},
	}
	n, err := st.WritePriceBars(ctx, bars)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := st.LatestRecordDate(ctx, "AAPL", model.CategoryPrices)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, day(2025, time.March, 11), *latest)

	// Upsert on conflict, not duplicate.
	bars[1].Close = 195
	_, err = st.WritePriceBars(ctx, bars[1:])
	require.NoError(t, err)

	history, err := st.PriceHistory(ctx, "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 195.0, history[0].Close) // newest first

	dates, err := st.LatestPriceDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, day(2025, time.March, 11), dates["AAPL"])
}

func TestSQLite_Records(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.ImportSymbols(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	has, err := st.HasRecords(ctx, "AAPL", model.CategoryProfile)
	require.NoError(t, err)
	assert.False(t, has)

	err = st.WriteRecord(ctx, "AAPL", model.CategoryProfile, day(2025, time.March, 10), []byte(`{"name":"Apple Inc."}`))
	require.NoError(t, err)

	has, err = st.HasRecords(ctx, "AAPL", model.CategoryProfile)
	require.NoError(t, err)
	assert.True(t, has)

	payload, err := st.LatestRecord(ctx, "AAPL", model.CategoryProfile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Apple Inc."}`, string(payload))

	missing, err := st.SymbolsWithout(ctx, model.CategoryProfile)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, missing)
}

// --- Derived metrics ---

func TestSQLite_Scores(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.SaveScore(ctx, model.ScoreResult{
		Symbol:     "AAPL",
		Score:      72.5,
		Components: map[string]float64{"valuation": 60, "momentum": 85},
		ScoredAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, st.SaveVolatility(ctx, "AAPL", 0.18, time.Now().UTC()))
	// Volatility upserts.
	require.NoError(t, st.SaveVolatility(ctx, "AAPL", 0.21, time.Now().UTC()))
}

// --- Recalculation queue ---

func TestSQLite_QueueLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "AAPL", model.CategoryPrices))
	time.Sleep(5 * time.Millisecond) // distinct triggered_at ordering
	require.NoError(t, st.Enqueue(ctx, "MSFT", model.CategoryStatements))

	pending, err := st.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "AAPL", pending[0].Symbol) // oldest first
	assert.Equal(t, model.EntryPending, pending[0].Status)

	claimedAt := time.Now().UTC()
	require.NoError(t, st.MarkProcessing(ctx, []string{pending[0].ID}, claimedAt))

	// Claimed entry is no longer pending.
	pending, err = st.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "MSFT", pending[0].Symbol)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.EntryPending])
	assert.Equal(t, 1, stats.ByStatus[model.EntryProcessing])
}

func TestSQLite_ResolveEntry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "AAPL", model.CategoryPrices))
	pending, err := st.PendingEntries(ctx, 1)
	require.NoError(t, err)
	id := pending[0].ID

	// Terminal transition requires processing first.
	err = st.ResolveEntry(ctx, id, model.EntryCompleted, "")
	assert.Error(t, err)

	require.NoError(t, st.MarkProcessing(ctx, []string{id}, time.Now().UTC()))
	require.NoError(t, st.ResolveEntry(ctx, id, model.EntryCompleted, ""))

	// Non-terminal resolution is rejected.
	assert.Error(t, st.ResolveEntry(ctx, id, model.EntryProcessing, ""))

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.EntryCompleted])
}

func TestSQLite_ReclaimStale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "AAPL", model.CategoryPrices))
	require.NoError(t, st.Enqueue(ctx, "MSFT", model.CategoryPrices))
	pending, err := st.PendingEntries(ctx, 2)
	require.NoError(t, err)

	// One stale claim, one fresh claim.
	stale := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()
	require.NoError(t, st.MarkProcessing(ctx, []string{pending[0].ID}, stale))
	require.NoError(t, st.MarkProcessing(ctx, []string{pending[1].ID}, fresh))

	n, err := st.ReclaimStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.EntryPending])
	assert.Equal(t, 1, stats.ByStatus[model.EntryProcessing])
}

func TestSQLite_DeleteTerminalBefore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "AAPL", model.CategoryPrices))
	require.NoError(t, st.Enqueue(ctx, "MSFT", model.CategoryPrices))
	pending, err := st.PendingEntries(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, st.MarkProcessing(ctx, []string{pending[0].ID}, time.Now().UTC()))
	require.NoError(t, st.ResolveEntry(ctx, pending[0].ID, model.EntryFailed, "no data"))

	// Cutoff in the future would cover both by age, but only the terminal
	// entry may go; pending survives regardless.
	n, err := st.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.EntryPending])
	assert.Equal(t, 0, stats.ByStatus[model.EntryFailed])
}

// --- Sync log ---

func TestSQLite_SyncCycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	last, err := st.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	finished := time.Now().UTC().Truncate(time.Second)
	err = st.RecordSyncCycle(ctx, model.CycleReport{
		StartedAt:  finished.Add(-2 * time.Minute),
		FinishedAt: finished,
		Requests:   model.RequestSummary{Used: 241, Limit: 250, Remaining: 9},
	})
	require.NoError(t, err)

	last, err = st.LastSyncTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, finished, *last, time.Second)
}
