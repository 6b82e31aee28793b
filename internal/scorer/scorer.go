// Package scorer recomputes the derived valuation score for a symbol from
// facts already in the store. It never calls the provider.
package scorer

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/config"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
)

// ErrNoData indicates a symbol has too little stored history to score.
var ErrNoData = eris.New("scorer: insufficient data")

// Scorer computes a composite score for one symbol.
type Scorer interface {
	Calculate(ctx context.Context, symbol string) (*model.ScoreResult, error)
}

// statementFacts are the fields the scorer reads from the latest stored
// financial-statement payload. Absent fields zero their component.
type statementFacts struct {
	PE            float64 `json:"pe"`
	RevenueGrowth float64 `json:"revenue_growth"`
}

// Composite scores a symbol as the weighted sum of momentum, growth, and
// valuation components, each normalized to 0..100.
type Composite struct {
	store  store.Store
	cfg    config.ScorerConfig
	window int
	now    func() time.Time
}

// NewComposite creates a Composite scorer. window is the number of stored
// daily bars used for the momentum component.
func NewComposite(st store.Store, cfg config.ScorerConfig, window int) *Composite {
	if window <= 0 {
		window = 60
	}
	return &Composite{store: st, cfg: cfg, window: window, now: time.Now}
}

func (c *Composite) Calculate(ctx context.Context, symbol string) (*model.ScoreResult, error) {
	bars, err := c.store.PriceHistory(ctx, symbol, c.window)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: price history %s", symbol)
	}
	if len(bars) < 2 {
		return nil, eris.Wrapf(ErrNoData, "%s has %d bars", symbol, len(bars))
	}

	components := map[string]float64{
		"momentum": momentumComponent(bars),
	}

	payload, err := c.store.LatestRecord(ctx, symbol, model.CategoryStatements)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: latest statements %s", symbol)
	}
	var facts statementFacts
	if payload != nil {
		// Malformed payloads zero the fundamental components rather than
		// failing the whole recalculation.
		_ = json.Unmarshal(payload, &facts)
	}
	components["growth"] = growthComponent(facts.RevenueGrowth)
	components["valuation"] = valuationComponent(facts.PE)

	var score, totalWeight float64
	for name, value := range components {
		w := c.cfg.Weights[name]
		score += w * value
		totalWeight += w
	}
	if totalWeight > 0 {
		score /= totalWeight
	}

	return &model.ScoreResult{
		Symbol:     symbol,
		Score:      score,
		Components: components,
		ScoredAt:   c.now().UTC(),
	}, nil
}

// momentumComponent maps the price change over the window to 0..100, with 50
// meaning flat. bars are newest first.
func momentumComponent(bars []model.PriceBar) float64 {
	newest := bars[0].Close
	oldest := bars[len(bars)-1].Close
	if oldest == 0 {
		return 50
	}
	change := clamp((newest-oldest)/oldest, -1, 1)
	return 50 * (1 + change)
}

// growthComponent maps a fractional revenue growth rate to 0..100.
func growthComponent(growth float64) float64 {
	return 50 * (1 + clamp(growth, -1, 1))
}

// valuationComponent rewards a low price/earnings multiple. A P/E of 15 or
// below earns full marks; non-positive earnings earn none.
func valuationComponent(pe float64) float64 {
	if pe <= 0 {
		return 0
	}
	return 100 * clamp(15/pe, 0, 1)
}

// VolatilityCoefficient is the population standard deviation of daily log
// returns divided by the mean close over the window. bars may be in any
// order; only adjacent ratios matter after sorting is done by the caller.
func VolatilityCoefficient(bars []model.PriceBar) (float64, error) {
	if len(bars) < 2 {
		return 0, eris.Wrap(ErrNoData, "volatility needs at least two bars")
	}

	var meanClose float64
	for _, b := range bars {
		if b.Close <= 0 {
			return 0, eris.Errorf("scorer: non-positive close for %s on %s",
				b.Symbol, b.Date.Format("2006-01-02"))
		}
		meanClose += b.Close
	}
	meanClose /= float64(len(bars))

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		returns = append(returns, math.Log(bars[i].Close/bars[i-1].Close))
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) / meanClose, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
