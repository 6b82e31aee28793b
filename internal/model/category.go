package model

import "github.com/rotisserie/eris"

// Category identifies one of the independently-synced data categories
// tracked per symbol.
type Category string

const (
	CategoryConstituents Category = "sp500_constituents"
	CategoryPrices       Category = "historical_prices"
	CategoryProfile      Category = "company_profile"
	CategoryActions      Category = "corporate_actions"
	CategoryStatements   Category = "financial_statements"
	CategoryAnalyst      Category = "analyst_recommendations"
)

// CategoryOrder is the fixed execution order for a daily update cycle.
// The membership index list (constituents) runs first so the rest of the
// cycle sees the current universe; the volatility pass is not listed here
// because it spends no provider requests.
var CategoryOrder = []Category{
	CategoryConstituents,
	CategoryPrices,
	CategoryProfile,
	CategoryStatements,
	CategoryActions,
	CategoryAnalyst,
}

// GapCategories are the categories the gap detector scans. Constituents are
// a single index-level fetch and have no per-symbol staleness.
var GapCategories = []Category{
	CategoryPrices,
	CategoryProfile,
	CategoryActions,
	CategoryStatements,
	CategoryAnalyst,
}

// BudgetKey returns the sub-budget name a category draws from.
func (c Category) BudgetKey() string {
	switch c {
	case CategoryConstituents:
		return "sp500_constituents"
	case CategoryPrices:
		return "daily_prices"
	case CategoryProfile:
		return "company_profiles"
	case CategoryStatements, CategoryActions, CategoryAnalyst:
		return "quarterly_updates"
	}
	return string(c)
}

// ParseCategory validates a category name from config or CLI flags.
func ParseCategory(s string) (Category, error) {
	for _, c := range append([]Category{CategoryConstituents}, GapCategories...) {
		if string(c) == s {
			return c, nil
		}
	}
	return "", eris.Errorf("model: unknown category %q", s)
}
