package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/calendar"
	"github.com/sells-group/marketsync/internal/gaps"
	"github.com/sells-group/marketsync/internal/monitoring"
	"github.com/sells-group/marketsync/internal/provider"
	"github.com/sells-group/marketsync/internal/recalc"
	"github.com/sells-group/marketsync/internal/scorer"
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/internal/updater"
)

// appEnv wires the subsystems a command needs. Close releases the store.
type appEnv struct {
	Store     store.Store
	Source    provider.DataSource
	Detector  *gaps.Detector
	Updater   *updater.Updater
	Processor *recalc.Processor
	Collector *monitoring.Collector

	syncRunning atomic.Bool
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "marketsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initProvider() (provider.DataSource, error) {
	if cfg.Provider.BaseURL == "" {
		return nil, eris.New("provider base URL is required (MARKETSYNC_PROVIDER_BASE_URL)")
	}

	return provider.NewHTTP(provider.Options{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           time.Duration(cfg.Provider.TimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		MaxRetries:        cfg.Provider.MaxRetries,
		FailureThreshold:  cfg.Provider.FailureThreshold,
		ResetTimeout:      time.Duration(cfg.Provider.ResetTimeoutSecs) * time.Second,
	}), nil
}

// initApp builds the full dependency graph from the loaded config. The store
// schema is migrated on every startup; migrations are idempotent.
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cal, err := calendar.Load(cfg.Calendar.HolidaysPath)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "load market calendar")
	}

	src, err := initProvider()
	if err != nil {
		st.Close()
		return nil, err
	}

	det := gaps.New(st, cal, cfg.Gaps)
	upd := updater.New(st, src, det, updater.OptionsFromConfig(cfg))
	sc := scorer.NewComposite(st, cfg.Scorer, cfg.Queue.VolatilityWindow)
	proc := recalc.New(st, sc, cfg.Queue)

	return &appEnv{
		Store:     st,
		Source:    src,
		Detector:  det,
		Updater:   upd,
		Processor: proc,
		Collector: monitoring.NewCollector(st, src, upd, det),
	}, nil
}

func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// runSync executes one daily cycle, refusing to overlap a cycle already in
// flight. Both the scheduler and the HTTP trigger route through here.
func (e *appEnv) runSync(ctx context.Context) error {
	if !e.syncRunning.CompareAndSwap(false, true) {
		return eris.New("sync cycle already running")
	}
	defer e.syncRunning.Store(false)

	report, err := e.Updater.RunDailyUpdate(ctx)
	if err != nil {
		return err
	}

	zap.L().Info("sync cycle complete",
		zap.Int("requests_used", report.Requests.Used),
		zap.Int("requests_remaining", report.Requests.Remaining),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return nil
}
