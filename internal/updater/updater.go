// Package updater runs the bounded daily synchronization cycle: it spends a
// fixed provider request budget shrinking the highest-priority data gaps
// first. The loop is single-threaded and cooperative; cancellation is
// observed between fetches, never mid-call.
package updater

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/gaps"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/provider"
	"github.com/sells-group/marketsync/internal/resilience"
	"github.com/sells-group/marketsync/internal/scorer"
	"github.com/sells-group/marketsync/internal/store"
)

// documentOrder lists the presence-only categories in execution order after
// constituents and prices.
var documentOrder = []model.Category{
	model.CategoryProfile,
	model.CategoryStatements,
	model.CategoryActions,
	model.CategoryAnalyst,
}

// Updater executes daily update cycles.
type Updater struct {
	store     store.Store
	source    provider.DataSource
	detector  *gaps.Detector
	budget    Budget
	rps       float64
	maxItems  int
	volWindow int
	logger    *zap.Logger
	now       func() time.Time
}

// Options bundles the knobs the updater reads from config.
type Options struct {
	Budget            Budget
	RequestsPerSecond float64
	BackfillMaxSize   int
	VolatilityWindow  int
}

// New creates an Updater. The budget must validate; callers check that at
// startup via Budget.Validate.
func New(st store.Store, src provider.DataSource, det *gaps.Detector, opts Options) *Updater {
	if opts.VolatilityWindow <= 0 {
		opts.VolatilityWindow = 60
	}
	return &Updater{
		store:     st,
		source:    src,
		detector:  det,
		budget:    opts.Budget,
		rps:       opts.RequestsPerSecond,
		maxItems:  opts.BackfillMaxSize,
		volWindow: opts.VolatilityWindow,
		logger:    zap.L().With(zap.String("component", "updater")),
		now:       time.Now,
	}
}

// OptionsFromConfig derives updater options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Budget:            BudgetFromConfig(cfg.Budget),
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		BackfillMaxSize:   cfg.Gaps.BackfillMaxSize,
		VolatilityWindow:  cfg.Queue.VolatilityWindow,
	}
}

// RunDailyUpdate executes one full cycle. Individual fetch failures are
// logged and counted; only a structural failure (provider unreachable,
// invalid budget, cancellation, open circuit) returns an error.
func (u *Updater) RunDailyUpdate(ctx context.Context) (*model.CycleReport, error) {
	started := u.now().UTC()

	if err := u.budget.Validate(); err != nil {
		return nil, err
	}
	if err := u.source.Health(ctx); err != nil {
		return nil, eris.Wrap(err, "updater: provider health check")
	}

	sctx := NewSyncContext(u.budget.DailyLimit, u.rps)
	byCat := groupBySymbolOrder(u.detector.PrioritizedBackfill(ctx, u.maxItems))

	u.logger.Info("daily update cycle starting",
		zap.Int("daily_limit", u.budget.DailyLimit),
		zap.Int("price_gaps", len(byCat[model.CategoryPrices])),
	)

	var results []model.CategoryResult

	res, err := u.syncConstituents(ctx, sctx)
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	var priced []string
	res, priced, err = u.syncPrices(ctx, sctx, byCat[model.CategoryPrices])
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	for _, cat := range documentOrder {
		res, err := u.syncDocuments(ctx, sctx, cat, byCat[cat])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	u.recomputeVolatility(ctx, priced)

	report := &model.CycleReport{
		StartedAt:  started,
		FinishedAt: u.now().UTC(),
		Categories: results,
		Requests:   sctx.Summary(),
	}
	if err := u.store.RecordSyncCycle(ctx, *report); err != nil {
		return nil, eris.Wrap(err, "updater: record sync cycle")
	}

	u.logger.Info("daily update cycle finished",
		zap.Int("requests_used", report.Requests.Used),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// syncConstituents refreshes the index membership. One request covers the
// whole universe.
func (u *Updater) syncConstituents(ctx context.Context, sctx *SyncContext) (model.CategoryResult, error) {
	res := model.CategoryResult{
		Category: model.CategoryConstituents,
		Budget:   u.budget.For(model.CategoryConstituents),
	}
	if res.Budget < 1 {
		res.Exhausted = true
		return res, nil
	}

	if err := sctx.Acquire(ctx, model.CategoryConstituents.BudgetKey()); err != nil {
		return res, u.structural(err, &res)
	}
	symbols, err := u.source.Constituents(ctx)
	if err != nil {
		if structuralErr := u.structural(err, &res); structuralErr != nil {
			return res, structuralErr
		}
		res.Failed++
		u.logger.Warn("constituents fetch failed", zap.Error(err))
		return res, nil
	}

	added, err := u.store.ImportSymbols(ctx, symbols)
	if err != nil {
		res.Failed++
		u.logger.Error("constituents import failed", zap.Error(err))
		return res, nil
	}

	res.Fetched = 1
	u.logger.Info("constituents refreshed",
		zap.Int("universe", len(symbols)),
		zap.Int("added", added),
	)
	return res, nil
}

// syncPrices fetches bars for stale symbols in priority order until the
// sub-budget runs out. Returns the symbols whose history changed so the
// volatility pass knows what to recompute.
func (u *Updater) syncPrices(ctx context.Context, sctx *SyncContext, work []model.DataGap) (model.CategoryResult, []string, error) {
	res := model.CategoryResult{
		Category: model.CategoryPrices,
		Budget:   u.budget.For(model.CategoryPrices),
	}

	var updated []string
	for _, gap := range work {
		if sctx.SpentOn(model.CategoryPrices.BudgetKey()) >= res.Budget {
			res.Exhausted = true
			break
		}
		if err := sctx.Acquire(ctx, model.CategoryPrices.BudgetKey()); err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				res.Exhausted = true
				break
			}
			return res, updated, err
		}

		bars, err := u.source.PriceBars(ctx, gap.Symbol, gap.StartDate)
		if err != nil {
			if structuralErr := u.structural(err, &res); structuralErr != nil {
				return res, updated, structuralErr
			}
			res.Failed++
			u.logger.Warn("price fetch failed",
				zap.String("symbol", gap.Symbol),
				zap.Error(err),
			)
			continue
		}

		if _, err := u.store.WritePriceBars(ctx, bars); err != nil {
			res.Failed++
			u.logger.Error("price write failed",
				zap.String("symbol", gap.Symbol),
				zap.Error(err),
			)
			continue
		}

		res.Fetched++
		updated = append(updated, gap.Symbol)
		u.enqueueRecalc(ctx, gap.Symbol, model.CategoryPrices)
	}
	return res, updated, nil
}

// syncDocuments fetches presence-only documents for one category until its
// sub-budget (shared across the quarterly categories) runs out.
func (u *Updater) syncDocuments(ctx context.Context, sctx *SyncContext, cat model.Category, work []model.DataGap) (model.CategoryResult, error) {
	res := model.CategoryResult{
		Category: cat,
		Budget:   u.budget.For(cat),
	}

	for _, gap := range work {
		if sctx.SpentOn(cat.BudgetKey()) >= res.Budget {
			res.Exhausted = true
			break
		}
		if err := sctx.Acquire(ctx, cat.BudgetKey()); err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				res.Exhausted = true
				break
			}
			return res, err
		}

		doc, err := u.source.Fetch(ctx, gap.Symbol, cat)
		if err != nil {
			if structuralErr := u.structural(err, &res); structuralErr != nil {
				return res, structuralErr
			}
			res.Failed++
			u.logger.Warn("document fetch failed",
				zap.String("symbol", gap.Symbol),
				zap.String("category", string(cat)),
				zap.Error(err),
			)
			continue
		}

		if err := u.store.WriteRecord(ctx, doc.Symbol, cat, doc.RecordDate, doc.Payload); err != nil {
			res.Failed++
			u.logger.Error("document write failed",
				zap.String("symbol", gap.Symbol),
				zap.String("category", string(cat)),
				zap.Error(err),
			)
			continue
		}

		res.Fetched++
		u.enqueueRecalc(ctx, doc.Symbol, cat)
	}
	return res, nil
}

// recomputeVolatility refreshes the local volatility coefficient for every
// symbol whose price history changed this cycle. Costs zero provider
// requests.
func (u *Updater) recomputeVolatility(ctx context.Context, symbols []string) {
	updated := 0
	for _, sym := range symbols {
		bars, err := u.store.PriceHistory(ctx, sym, u.volWindow)
		if err != nil {
			u.logger.Warn("volatility read failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		coeff, err := scorer.VolatilityCoefficient(bars)
		if err != nil {
			continue
		}
		if err := u.store.SaveVolatility(ctx, sym, coeff, u.now().UTC()); err != nil {
			u.logger.Warn("volatility write failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		updated++
	}
	if len(symbols) > 0 {
		u.logger.Info("volatility coefficients recomputed",
			zap.Int("updated", updated),
			zap.Int("candidates", len(symbols)),
		)
	}
}

// enqueueRecalc records that raw facts changed so the queue processor will
// rescore the symbol. A failed enqueue is logged, not fatal: the next gap
// scan will surface the symbol again.
func (u *Updater) enqueueRecalc(ctx context.Context, symbol string, trigger model.Category) {
	if err := u.store.Enqueue(ctx, symbol, trigger); err != nil {
		u.logger.Warn("recalc enqueue failed",
			zap.String("symbol", symbol),
			zap.String("trigger", string(trigger)),
			zap.Error(err),
		)
	}
}

// structural decides whether an error aborts the whole cycle. Cancellation
// and an open circuit are structural; everything else is a per-symbol
// failure the caller counts and moves past.
func (u *Updater) structural(err error, res *model.CategoryResult) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return eris.Wrap(err, "updater: provider circuit open")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrBudgetExhausted):
		res.Exhausted = true
		return nil
	}
	return nil
}

// Status assembles the read-only snapshot for the presentation layer.
func (u *Updater) Status(ctx context.Context) (*model.UpdateStatus, error) {
	total, err := u.store.CountSymbols(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "updater: count symbols")
	}
	missing, err := u.store.SymbolsWithout(ctx, model.CategoryProfile)
	if err != nil {
		return nil, eris.Wrap(err, "updater: missing profiles")
	}
	last, err := u.store.LastSyncTime(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "updater: last sync time")
	}

	byBudget := make(map[string]int, len(u.budget.Sub))
	for k, v := range u.budget.Sub {
		byBudget[k] = v
	}
	return &model.UpdateStatus{
		TotalSymbols:    total,
		MissingProfiles: len(missing),
		Requests: model.RequestSummary{
			Limit:     u.budget.DailyLimit,
			Remaining: u.budget.DailyLimit,
			ByBudget:  byBudget,
		},
		LastUpdate: last,
	}, nil
}

// groupBySymbolOrder splits the prioritized flat list per category,
// deduplicating symbols while preserving first-seen order.
func groupBySymbolOrder(list []model.DataGap) map[model.Category][]model.DataGap {
	grouped := make(map[model.Category][]model.DataGap)
	seen := make(map[model.Category]map[string]bool)
	for _, gap := range list {
		if seen[gap.Category] == nil {
			seen[gap.Category] = make(map[string]bool)
		}
		if seen[gap.Category][gap.Symbol] {
			continue
		}
		seen[gap.Category][gap.Symbol] = true
		grouped[gap.Category] = append(grouped[gap.Category], gap)
	}
	return grouped
}
