// Package store persists the symbol universe, raw provider facts, derived
// scores, and the recalculation queue. Two backends exist: embedded SQLite
// for single-host deployments and Postgres for shared ones.
package store

import (
	"context"
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// Store defines the persistence interface consumed by the gap detector, the
// daily updater, and the recalculation queue processor.
type Store interface {
	// Symbol universe
	ImportSymbols(ctx context.Context, symbols []string) (int, error)
	ListSymbols(ctx context.Context) ([]string, error)
	CountSymbols(ctx context.Context) (int, error)

	// Raw facts
	LatestRecordDate(ctx context.Context, symbol string, cat model.Category) (*time.Time, error)
	HasRecords(ctx context.Context, symbol string, cat model.Category) (bool, error)
	SymbolsWithout(ctx context.Context, cat model.Category) ([]string, error)
	LatestPriceDates(ctx context.Context) (map[string]time.Time, error)
	WriteRecord(ctx context.Context, symbol string, cat model.Category, recordDate time.Time, payload []byte) error
	LatestRecord(ctx context.Context, symbol string, cat model.Category) ([]byte, error)
	WritePriceBars(ctx context.Context, bars []model.PriceBar) (int64, error)
	PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceBar, error)

	// Derived metrics
	SaveScore(ctx context.Context, result model.ScoreResult) error
	SaveVolatility(ctx context.Context, symbol string, coeff float64, asOf time.Time) error

	// Recalculation queue
	Enqueue(ctx context.Context, symbol string, trigger model.Category) error
	PendingEntries(ctx context.Context, limit int) ([]model.QueueEntry, error)
	MarkProcessing(ctx context.Context, ids []string, claimedAt time.Time) error
	ResolveEntry(ctx context.Context, id string, status model.EntryStatus, errMsg string) error
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)

	// Sync log
	RecordSyncCycle(ctx context.Context, report model.CycleReport) error
	LastSyncTime(ctx context.Context) (*time.Time, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
