// Package monitoring assembles the read-only operational snapshot served by
// the status command and the HTTP surface.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/gaps"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/provider"
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/internal/updater"
)

// Snapshot is the full observable state at one point in time. It is
// JSON-serializable for the presentation layer and carries no internal
// error detail.
type Snapshot struct {
	CollectedAt     time.Time          `json:"collected_at"`
	ProviderHealthy bool               `json:"provider_healthy"`
	Update          model.UpdateStatus `json:"update"`
	Gaps            model.GapStats     `json:"gaps"`
	Queue           model.QueueStats   `json:"queue"`
}

// Collector gathers the snapshot from the cooperating subsystems. Collecting
// spends no provider request budget; only the health probe touches the
// network.
type Collector struct {
	store    store.Store
	source   provider.DataSource
	updater  *updater.Updater
	detector *gaps.Detector
}

// NewCollector creates a Collector.
func NewCollector(st store.Store, src provider.DataSource, upd *updater.Updater, det *gaps.Detector) *Collector {
	return &Collector{store: st, source: src, updater: upd, detector: det}
}

// Collect builds a snapshot. A failing provider health probe is reported in
// the snapshot, not as an error; store failures are errors.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	status, err := c.updater.Status(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: update status")
	}
	queueStats, err := c.store.QueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}

	return &Snapshot{
		CollectedAt:     time.Now().UTC(),
		ProviderHealthy: c.source.Health(ctx) == nil,
		Update:          *status,
		Gaps:            c.detector.Statistics(ctx),
		Queue:           queueStats,
	}, nil
}
