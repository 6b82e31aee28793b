// Package gaps scans the store for symbols whose data is missing or behind
// the most recent trading day and classifies each finding into a priority
// tier. Detection is a read-only diagnostic pass; spending budget on the
// findings is the updater's job.
package gaps

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/calendar"
	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
)

// presencePriorities fixes the tier for categories checked by existence only.
// A missing profile blocks scoring, so it outranks missing actions coverage.
var presencePriorities = map[model.Category]model.Priority{
	model.CategoryProfile:    model.PriorityHigh,
	model.CategoryStatements: model.PriorityHigh,
	model.CategoryActions:    model.PriorityMedium,
	model.CategoryAnalyst:    model.PriorityMedium,
}

// Detector finds staleness gaps across all tracked data categories.
type Detector struct {
	store  store.Store
	cal    *calendar.MarketCalendar
	cfg    config.GapsConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Detector. cfg thresholds must already be validated.
func New(st store.Store, cal *calendar.MarketCalendar, cfg config.GapsConfig) *Detector {
	return &Detector{
		store:  st,
		cal:    cal,
		cfg:    cfg,
		logger: zap.L().With(zap.String("component", "gaps")),
		now:    time.Now,
	}
}

// ClassifyPriority maps a business-day gap to a priority tier. Boundaries
// are inclusive at the lower edge of each tier.
func (d *Detector) ClassifyPriority(gapDays int) model.Priority {
	switch {
	case gapDays >= d.cfg.CriticalDays:
		return model.PriorityCritical
	case gapDays >= d.cfg.HighDays:
		return model.PriorityHigh
	case gapDays >= d.cfg.MediumDays:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// yesterday returns the most recent complete day at midnight UTC. Today's
// bar does not exist until the session closes, so staleness is measured
// against yesterday.
func (d *Detector) yesterday() time.Time {
	return d.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
}

// DetectPriceGaps finds symbols whose price history is missing or behind the
// last trading day. limit caps the result count; 0 means no cap.
func (d *Detector) DetectPriceGaps(ctx context.Context, limit int) ([]model.DataGap, error) {
	symbols, err := d.store.ListSymbols(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "gaps: list symbols")
	}
	latest, err := d.store.LatestPriceDates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "gaps: latest price dates")
	}

	end := d.yesterday()
	var found []model.DataGap
	for _, sym := range symbols {
		if limit > 0 && len(found) >= limit {
			break
		}

		last, ok := latest[sym]
		if !ok {
			// No history at all: critical, spanning the full lookback
			// window. gap_days is the window size since there is no
			// record date to count from.
			found = append(found, model.DataGap{
				Symbol:    sym,
				Category:  model.CategoryPrices,
				StartDate: end.AddDate(0, 0, -d.cfg.LookbackDays),
				EndDate:   end,
				GapDays:   d.cfg.LookbackDays,
				Priority:  model.PriorityCritical,
			})
			continue
		}

		gapDays, err := d.cal.BusinessDaysBetween(last, end)
		if err != nil {
			return nil, eris.Wrapf(err, "gaps: business days for %s", sym)
		}
		if gapDays < 1 {
			continue
		}

		lastCopy := last
		found = append(found, model.DataGap{
			Symbol:     sym,
			Category:   model.CategoryPrices,
			StartDate:  last.AddDate(0, 0, 1),
			EndDate:    end,
			GapDays:    gapDays,
			Priority:   d.ClassifyPriority(gapDays),
			LastUpdate: &lastCopy,
		})
	}
	return found, nil
}

// DetectPresenceGaps finds symbols with zero rows in a presence-only
// category. Each finding is a single-day gap with that category's fixed
// priority.
func (d *Detector) DetectPresenceGaps(ctx context.Context, cat model.Category, limit int) ([]model.DataGap, error) {
	priority, ok := presencePriorities[cat]
	if !ok {
		return nil, eris.Errorf("gaps: %s is not a presence-only category", cat)
	}

	missing, err := d.store.SymbolsWithout(ctx, cat)
	if err != nil {
		return nil, eris.Wrapf(err, "gaps: symbols without %s", cat)
	}

	end := d.yesterday()
	var found []model.DataGap
	for _, sym := range missing {
		if limit > 0 && len(found) >= limit {
			break
		}
		found = append(found, model.DataGap{
			Symbol:    sym,
			Category:  cat,
			StartDate: end,
			EndDate:   end,
			GapDays:   1,
			Priority:  priority,
		})
	}
	return found, nil
}

// DetectAll runs every category detector. A failure in one category is
// logged and skipped; partial results are acceptable for a diagnostic scan.
func (d *Detector) DetectAll(ctx context.Context) map[model.Category][]model.DataGap {
	results := make(map[model.Category][]model.DataGap, len(model.GapCategories))
	for _, cat := range model.GapCategories {
		var found []model.DataGap
		var err error
		if cat == model.CategoryPrices {
			found, err = d.DetectPriceGaps(ctx, d.cfg.DetectLimit)
		} else {
			found, err = d.DetectPresenceGaps(ctx, cat, d.cfg.DetectLimit)
		}
		if err != nil {
			d.logger.Error("gap detection failed for category",
				zap.String("category", string(cat)),
				zap.Error(err),
			)
			continue
		}
		results[cat] = found
	}
	return results
}

// PrioritizedBackfill flattens all category results into a single work list
// sorted by (priority rank, larger gaps first, symbol), truncated to
// maxItems.
func (d *Detector) PrioritizedBackfill(ctx context.Context, maxItems int) []model.DataGap {
	var all []model.DataGap
	for _, found := range d.DetectAll(ctx) {
		all = append(all, found...)
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.GapDays != b.GapDays {
			return a.GapDays > b.GapDays
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Category < b.Category
	})

	if maxItems > 0 && len(all) > maxItems {
		all = all[:maxItems]
	}
	return all
}

// Statistics aggregates the current gap picture for the status surface.
func (d *Detector) Statistics(ctx context.Context) model.GapStats {
	stats := model.GapStats{
		ByCategory: make(map[model.Category]int),
		ByPriority: make(map[model.Priority]int),
	}

	seen := make(map[string]bool)
	for cat, found := range d.DetectAll(ctx) {
		stats.ByCategory[cat] = len(found)
		for _, g := range found {
			stats.Total++
			stats.ByPriority[g.Priority]++
			seen[g.Symbol] = true
			if g.GapDays > stats.OldestGapDays {
				stats.OldestGapDays = g.GapDays
			}
		}
	}
	stats.SymbolsAffected = len(seen)
	return stats
}
