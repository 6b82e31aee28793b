package model

import "time"

// DataGap is one discovered staleness fact: a symbol whose stored data for a
// category is missing or behind the most recent trading day.
type DataGap struct {
	Symbol     string     `json:"symbol"`
	Category   Category   `json:"category"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    time.Time  `json:"end_date"`
	GapDays    int        `json:"gap_days"`
	Priority   Priority   `json:"priority"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

// HasData reports whether any prior record exists for this symbol+category.
// A gap with no prior data is always critical regardless of date math.
func (g DataGap) HasData() bool {
	return g.LastUpdate != nil
}

// GapStats is the aggregate view of detected gaps, serialized upward for the
// status surface. No side effects are involved in producing it.
type GapStats struct {
	Total           int              `json:"total"`
	ByCategory      map[Category]int `json:"by_category"`
	ByPriority      map[Priority]int `json:"by_priority"`
	OldestGapDays   int              `json:"oldest_gap_days"`
	SymbolsAffected int              `json:"symbols_affected"`
}
