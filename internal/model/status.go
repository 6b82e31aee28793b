package model

import "time"

// RequestSummary reports provider request consumption for one daily cycle.
type RequestSummary struct {
	Used      int            `json:"used"`
	Limit     int            `json:"limit"`
	Remaining int            `json:"remaining"`
	ByBudget  map[string]int `json:"by_budget,omitempty"`
}

// UpdateStatus is the read-only snapshot exposed to the presentation layer.
// Producing it spends no provider budget.
type UpdateStatus struct {
	TotalSymbols    int            `json:"total_symbols"`
	MissingProfiles int            `json:"missing_profiles"`
	Requests        RequestSummary `json:"request_summary"`
	LastUpdate      *time.Time     `json:"last_update,omitempty"`
}

// CategoryResult summarizes one category's share of a daily update cycle.
type CategoryResult struct {
	Category  Category `json:"category"`
	Budget    int      `json:"budget"`
	Fetched   int      `json:"fetched"`
	Failed    int      `json:"failed"`
	Exhausted bool     `json:"budget_exhausted"`
}

// CycleReport is the outcome of one completed daily update cycle. A cycle
// that runs to the end is a success even if individual fetches failed.
type CycleReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Categories []CategoryResult `json:"categories"`
	Requests   RequestSummary   `json:"request_summary"`
}
