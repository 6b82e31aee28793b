package updater

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/marketsync/internal/calendar"
	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/gaps"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/provider"
	"github.com/sells-group/marketsync/internal/resilience"
	"github.com/sells-group/marketsync/internal/store"
)

// recordingStore counts volatility writes on top of a real store.
type recordingStore struct {
	store.Store
	mu   sync.Mutex
	vols map[string]float64
}

func (r *recordingStore) SaveVolatility(ctx context.Context, symbol string, coeff float64, asOf time.Time) error {
	r.mu.Lock()
	r.vols[symbol] = coeff
	r.mu.Unlock()
	return r.Store.SaveVolatility(ctx, symbol, coeff, asOf)
}

func testBudget(sub map[string]int, buffer, limit int) Budget {
	return Budget{DailyLimit: limit, Sub: sub, Buffer: buffer}
}

func newTestUpdater(t *testing.T, budget Budget) (*Updater, *recordingStore, *provider.Stub) {
	t.Helper()

	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "updater.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	require.NoError(t, base.Migrate(context.Background()))

	st := &recordingStore{Store: base, vols: make(map[string]float64)}
	stub := &provider.Stub{}
	det := gaps.New(st, calendar.New(map[int][]time.Time{}), config.GapsConfig{
		CriticalDays: 7,
		HighDays:     3,
		MediumDays:   1,
		LookbackDays: 365,
	})

	u := New(st, stub, det, Options{
		Budget:            budget,
		RequestsPerSecond: 1000,
	})
	return u, st, stub
}

func importSymbols(t *testing.T, st store.Store, symbols []string) {
	t.Helper()
	_, err := st.ImportSymbols(context.Background(), symbols)
	require.NoError(t, err)
}

func categoryResult(t *testing.T, report *model.CycleReport, cat model.Category) model.CategoryResult {
	t.Helper()
	for _, res := range report.Categories {
		if res.Category == cat {
			return res
		}
	}
	t.Fatalf("no result for category %s", cat)
	return model.CategoryResult{}
}

func TestRunDailyUpdate_HealthGateAborts(t *testing.T) {
	u, st, stub := newTestUpdater(t, testBudget(map[string]int{"daily_prices": 10}, 0, 10))
	stub.HealthFn = func(ctx context.Context) error { return eris.New("provider unreachable") }

	report, err := u.RunDailyUpdate(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, 0, stub.Calls(), "no budget may be spent after a failed health check")

	last, err := st.LastSyncTime(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last, "an aborted cycle must not be recorded")
}

func TestRunDailyUpdate_InvalidBudgetAborts(t *testing.T) {
	u, _, _ := newTestUpdater(t, testBudget(map[string]int{"daily_prices": 300}, 0, 250))

	_, err := u.RunDailyUpdate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceed daily limit")
}

func TestRunDailyUpdate_PriceBudgetScenario(t *testing.T) {
	// 200 symbols with no price history at all, but only 120 units of
	// daily_prices budget: exactly the first 120 by sort order get fetched,
	// the other 80 wait for the next cycle.
	budget := testBudget(map[string]int{
		"sp500_constituents": 1,
		"daily_prices":       120,
	}, 9, 130)
	u, st, stub := newTestUpdater(t, budget)

	symbols := make([]string, 200)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%03d", i+1)
	}
	importSymbols(t, st, symbols)

	var mu sync.Mutex
	var fetched []string
	stub.PriceBarsFn = func(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error) {
		mu.Lock()
		fetched = append(fetched, symbol)
		mu.Unlock()
		return []model.PriceBar{
			{Symbol: symbol, Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000},
			{Symbol: symbol, Date: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), Open: 100, High: 102, Low: 99, Close: 101, Volume: 1200},
		}, nil
	}

	report, err := u.RunDailyUpdate(context.Background())
	require.NoError(t, err)

	prices := categoryResult(t, report, model.CategoryPrices)
	assert.Equal(t, 120, prices.Fetched)
	assert.Equal(t, 0, prices.Failed)
	assert.True(t, prices.Exhausted)

	// Ties on priority and gap size break by symbol.
	require.Len(t, fetched, 120)
	assert.Equal(t, "SYM001", fetched[0])
	assert.Equal(t, "SYM120", fetched[119])

	assert.Equal(t, 121, report.Requests.Used, "1 constituents + 120 prices")
	assert.Equal(t, 120, report.Requests.ByBudget["daily_prices"])

	// Every successful price write enqueues a recalculation and refreshes
	// the volatility coefficient.
	stats, err := st.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, stats.ByStatus[model.EntryPending])
	assert.Len(t, st.vols, 120)

	// The remaining 80 are still gapped for the next cycle.
	missing, err := st.SymbolsWithout(context.Background(), model.CategoryPrices)
	require.NoError(t, err)
	assert.Len(t, missing, 80)
}

func TestRunDailyUpdate_QuarterlyBudgetShared(t *testing.T) {
	// statements, actions, and analyst coverage all draw from the same
	// quarterly_updates sub-budget in that execution order.
	budget := testBudget(map[string]int{
		"company_profiles":  3,
		"quarterly_updates": 4,
	}, 0, 20)
	u, st, _ := newTestUpdater(t, budget)

	importSymbols(t, st, []string{"AAA", "BBB", "CCC"})

	report, err := u.RunDailyUpdate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, categoryResult(t, report, model.CategoryProfile).Fetched)
	assert.Equal(t, 3, categoryResult(t, report, model.CategoryStatements).Fetched)

	actions := categoryResult(t, report, model.CategoryActions)
	assert.Equal(t, 1, actions.Fetched)
	assert.True(t, actions.Exhausted)

	analyst := categoryResult(t, report, model.CategoryAnalyst)
	assert.Equal(t, 0, analyst.Fetched)
	assert.True(t, analyst.Exhausted)

	assert.Equal(t, 4, report.Requests.ByBudget["quarterly_updates"])
}

func TestRunDailyUpdate_FetchFailureIsolated(t *testing.T) {
	budget := testBudget(map[string]int{"daily_prices": 10}, 0, 10)
	u, _, stub := newTestUpdater(t, budget)

	importSymbols(t, u.store, []string{"GOOD", "UGLY"})

	stub.PriceBarsFn = func(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error) {
		if symbol == "UGLY" {
			return nil, eris.New("malformed response")
		}
		return []model.PriceBar{
			{Symbol: symbol, Date: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), Close: 10, Volume: 1},
		}, nil
	}

	report, err := u.RunDailyUpdate(context.Background())
	require.NoError(t, err, "individual fetch failures never abort the cycle")

	prices := categoryResult(t, report, model.CategoryPrices)
	assert.Equal(t, 1, prices.Fetched)
	assert.Equal(t, 1, prices.Failed)
	assert.False(t, prices.Exhausted)
}

func TestRunDailyUpdate_CircuitOpenAborts(t *testing.T) {
	budget := testBudget(map[string]int{"daily_prices": 10}, 0, 10)
	u, _, stub := newTestUpdater(t, budget)

	importSymbols(t, u.store, []string{"AAPL"})
	stub.PriceBarsFn = func(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error) {
		return nil, resilience.ErrCircuitOpen
	}

	_, err := u.RunDailyUpdate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestRunDailyUpdate_RecordsCycle(t *testing.T) {
	budget := testBudget(map[string]int{"daily_prices": 5}, 0, 5)
	u, st, _ := newTestUpdater(t, budget)

	before := time.Now().UTC().Add(-time.Second)
	_, err := u.RunDailyUpdate(context.Background())
	require.NoError(t, err)

	last, err := st.LastSyncTime(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.After(before))
}

func TestStatus(t *testing.T) {
	budget := testBudget(map[string]int{"daily_prices": 120, "company_profiles": 80}, 0, 250)
	u, st, _ := newTestUpdater(t, budget)
	ctx := context.Background()

	importSymbols(t, st, []string{"AAPL", "MSFT", "NVDA"})
	require.NoError(t, st.WriteRecord(ctx, "AAPL", model.CategoryProfile,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), []byte(`{}`)))

	status, err := u.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, status.TotalSymbols)
	assert.Equal(t, 2, status.MissingProfiles)
	assert.Equal(t, 250, status.Requests.Limit)
	assert.Equal(t, 120, status.Requests.ByBudget["daily_prices"])
	assert.Nil(t, status.LastUpdate)
}

func TestGroupBySymbolOrder(t *testing.T) {
	list := []model.DataGap{
		{Symbol: "B", Category: model.CategoryPrices},
		{Symbol: "A", Category: model.CategoryPrices},
		{Symbol: "B", Category: model.CategoryPrices}, // duplicate, dropped
		{Symbol: "B", Category: model.CategoryProfile},
	}

	grouped := groupBySymbolOrder(list)
	require.Len(t, grouped[model.CategoryPrices], 2)
	assert.Equal(t, "B", grouped[model.CategoryPrices][0].Symbol)
	assert.Equal(t, "A", grouped[model.CategoryPrices][1].Symbol)
	require.Len(t, grouped[model.CategoryProfile], 1)
}
