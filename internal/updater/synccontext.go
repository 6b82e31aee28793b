package updater

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/model"
)

// ErrBudgetExhausted signals the daily ceiling has been reached. It is a
// normal early-exit condition for a category loop, not a failure.
var ErrBudgetExhausted = eris.New("updater: daily request budget exhausted")

// SyncContext tracks request consumption for exactly one daily update cycle.
// It is threaded explicitly through every fetch so the single-loop budget
// invariant is visible in the call graph rather than hidden in ambient
// state. It is not safe for concurrent schedulers; nothing here provides a
// distributed lock.
type SyncContext struct {
	limit    int
	used     int
	byBudget map[string]int
	limiter  *rate.Limiter
}

// NewSyncContext creates a counter for one cycle with the given daily
// ceiling and requests-per-second limit.
func NewSyncContext(dailyLimit int, requestsPerSecond float64) *SyncContext {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &SyncContext{
		limit:    dailyLimit,
		byBudget: make(map[string]int),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Acquire reserves one request against the daily ceiling, sleeping as needed
// to honor the rate limit. The budgetKey attributes the spend to a
// sub-budget for reporting.
func (s *SyncContext) Acquire(ctx context.Context, budgetKey string) error {
	if s.used >= s.limit {
		return ErrBudgetExhausted
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "updater: rate limiter wait")
	}
	s.used++
	s.byBudget[budgetKey]++
	return nil
}

// Used returns the number of requests consumed so far.
func (s *SyncContext) Used() int {
	return s.used
}

// SpentOn returns the requests attributed to one sub-budget so far. The
// quarterly categories share a key, so spend must be tracked here rather
// than per category.
func (s *SyncContext) SpentOn(budgetKey string) int {
	return s.byBudget[budgetKey]
}

// Summary snapshots the counter for the cycle report.
func (s *SyncContext) Summary() model.RequestSummary {
	byBudget := make(map[string]int, len(s.byBudget))
	for k, v := range s.byBudget {
		byBudget[k] = v
	}
	return model.RequestSummary{
		Used:      s.used,
		Limit:     s.limit,
		Remaining: s.limit - s.used,
		ByBudget:  byBudget,
	}
}

// Budget is the validated daily request allocation.
type Budget struct {
	DailyLimit int
	Sub        map[string]int
	Buffer     int
}

// BudgetFromConfig copies the configured allocation.
func BudgetFromConfig(cfg config.BudgetConfig) Budget {
	sub := make(map[string]int, len(cfg.SubBudgets))
	for k, v := range cfg.SubBudgets {
		sub[k] = v
	}
	return Budget{DailyLimit: cfg.DailyLimit, Sub: sub, Buffer: cfg.Buffer}
}

// Validate enforces the startup invariant: sub-budgets plus buffer fit under
// the daily ceiling.
func (b Budget) Validate() error {
	sum := b.Buffer
	for _, v := range b.Sub {
		sum += v
	}
	if sum > b.DailyLimit {
		return eris.Errorf("updater: sub-budgets plus buffer (%d) exceed daily limit (%d)",
			sum, b.DailyLimit)
	}
	return nil
}

// For returns the sub-budget a category may spend.
func (b Budget) For(cat model.Category) int {
	return b.Sub[cat.BudgetKey()]
}
