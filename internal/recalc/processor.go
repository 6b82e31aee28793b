// Package recalc drains the durable recalculation queue: batches of
// (symbol, trigger) entries claimed pending→processing, scored, and resolved
// to exactly one terminal state each. A crashed consumer's claims are
// reclaimed after a lease timeout.
package recalc

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/scorer"
	"github.com/sells-group/marketsync/internal/store"
)

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Claimed   int
	Succeeded int
}

// Processor consumes the recalculation queue.
type Processor struct {
	store  store.Store
	scorer scorer.Scorer
	cfg    config.QueueConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Processor.
func New(st store.Store, sc scorer.Scorer, cfg config.QueueConfig) *Processor {
	return &Processor{
		store:  st,
		scorer: sc,
		cfg:    cfg,
		logger: zap.L().With(zap.String("component", "recalc")),
		now:    time.Now,
	}
}

// ProcessBatch claims the oldest pending entries, scores each symbol, and
// resolves every claimed entry to completed or failed individually. One
// symbol's failure never blocks its siblings.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	entries, err := p.store.PendingEntries(ctx, p.cfg.BatchSize)
	if err != nil {
		return result, eris.Wrap(err, "recalc: fetch pending entries")
	}
	if len(entries) == 0 {
		return result, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := p.store.MarkProcessing(ctx, ids, p.now().UTC()); err != nil {
		return result, eris.Wrap(err, "recalc: claim batch")
	}
	result.Claimed = len(entries)

	for _, entry := range entries {
		ok, cause := p.processOne(ctx, entry.Symbol)

		status := model.EntryFailed
		if ok {
			status = model.EntryCompleted
			result.Succeeded++
		}
		if err := p.store.ResolveEntry(ctx, entry.ID, status, cause); err != nil {
			p.logger.Error("entry resolution failed",
				zap.String("id", entry.ID),
				zap.String("symbol", entry.Symbol),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			p.logger.Warn("recalculation failed",
				zap.String("symbol", entry.Symbol),
				zap.String("trigger", string(entry.TriggerTable)),
				zap.String("cause", cause),
			)
		}
	}
	return result, nil
}

// processOne scores a single symbol and persists the result. It never lets
// a failure, including a panic in the scorer, escape past this boundary.
func (p *Processor) processOne(ctx context.Context, symbol string) (ok bool, cause string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			cause = eris.Errorf("scorer panic: %v", r).Error()
		}
	}()

	result, err := p.scorer.Calculate(ctx, symbol)
	if err != nil {
		return false, err.Error()
	}
	if err := p.store.SaveScore(ctx, *result); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CleanupOld deletes terminal entries older than the retention window.
// Pending and processing entries are never touched, regardless of age.
func (p *Processor) CleanupOld(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().AddDate(0, 0, -p.cfg.RetentionDays)
	n, err := p.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "recalc: cleanup")
	}
	return n, nil
}

// ReclaimStale resets processing entries whose lease expired back to
// pending, so work claimed by a crashed consumer is not lost.
func (p *Processor) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-time.Duration(p.cfg.LeaseTimeoutSecs) * time.Second)
	n, err := p.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "recalc: reclaim stale")
	}
	if n > 0 {
		p.logger.Warn("reclaimed stale processing entries", zap.Int64("count", n))
	}
	return n, nil
}

// RunOnce processes exactly one batch. After a productive batch it also
// garbage-collects old terminal entries and logs queue statistics.
func (p *Processor) RunOnce(ctx context.Context) (BatchResult, error) {
	result, err := p.ProcessBatch(ctx)
	if err != nil {
		return result, err
	}
	if result.Claimed == 0 {
		return result, nil
	}

	deleted, err := p.CleanupOld(ctx)
	if err != nil {
		return result, err
	}

	stats, err := p.store.QueueStats(ctx)
	if err != nil {
		return result, eris.Wrap(err, "recalc: queue stats")
	}
	p.logger.Info("recalculation batch done",
		zap.Int("claimed", result.Claimed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int64("purged", deleted),
		zap.Int("pending", stats.ByStatus[model.EntryPending]),
		zap.Int("failed", stats.ByStatus[model.EntryFailed]),
	)
	return result, nil
}

// Run polls the queue until ctx is canceled. A productive cycle sleeps the
// base interval; an empty cycle backs off. The stop signal is observed only
// between iterations, never mid-batch.
func (p *Processor) Run(ctx context.Context) error {
	poll := time.Duration(p.cfg.PollIntervalSecs) * time.Second
	backoff := time.Duration(p.cfg.EmptyBackoffSecs) * time.Second

	for {
		if _, err := p.ReclaimStale(ctx); err != nil {
			p.logger.Error("reclaim sweep failed", zap.Error(err))
		}

		result, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("recalculation cycle failed", zap.Error(err))
		}

		interval := poll
		if result.Claimed == 0 {
			interval = backoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
