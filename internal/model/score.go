package model

import "time"

// ScoreResult is the outcome of one composite valuation scoring pass for a
// symbol. Component scores are kept so the presentation layer can explain
// the composite.
type ScoreResult struct {
	Symbol     string             `json:"symbol"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
	ScoredAt   time.Time          `json:"scored_at"`
}

// PriceBar is one daily OHLCV record for a symbol.
type PriceBar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}
