package monitoring

import (
	"context"
	"path/filepath"
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
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/internal/updater"
)

func newTestCollector(t *testing.T) (*Collector, store.Store, *provider.Stub) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	stub := &provider.Stub{}
	det := gaps.New(st, calendar.New(map[int][]time.Time{}), config.GapsConfig{
		CriticalDays: 7, HighDays: 3, MediumDays: 1, LookbackDays: 365,
	})
	upd := updater.New(st, stub, det, updater.Options{
		Budget: updater.Budget{
			DailyLimit: 250,
			Sub:        map[string]int{"daily_prices": 120},
		},
		RequestsPerSecond: 1000,
	})
	return NewCollector(st, stub, upd, det), st, stub
}

func TestCollect(t *testing.T) {
	c, st, _ := newTestCollector(t)
	ctx := context.Background()

	_, err := st.ImportSymbols(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(ctx, "AAPL", model.CategoryPrices))

	snap, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.True(t, snap.ProviderHealthy)
	assert.False(t, snap.CollectedAt.IsZero())
	assert.Equal(t, 2, snap.Update.TotalSymbols)
	assert.Equal(t, 2, snap.Update.MissingProfiles)
	assert.Equal(t, 250, snap.Update.Requests.Limit)
	assert.Equal(t, 1, snap.Queue.ByStatus[model.EntryPending])

	// Both symbols lack prices and every presence category.
	assert.Equal(t, 2, snap.Gaps.ByCategory[model.CategoryPrices])
	assert.Equal(t, 2, snap.Gaps.SymbolsAffected)
}

func TestCollect_UnhealthyProviderReported(t *testing.T) {
	c, _, stub := newTestCollector(t)
	stub.HealthFn = func(ctx context.Context) error { return eris.New("down") }

	snap, err := c.Collect(context.Background())
	require.NoError(t, err, "an unreachable provider is a fact, not a collection failure")
	assert.False(t, snap.ProviderHealthy)
}
