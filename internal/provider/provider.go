// Package provider talks to the upstream market-data API. All network access
// of the sync engine funnels through the DataSource interface so tests can
// substitute a stub.
package provider

import (
	"context"
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// Document is a single fetched fact for a symbol and category. RecordDate is
// the date the fact describes, not the fetch time.
type Document struct {
	Symbol     string
	Category   model.Category
	RecordDate time.Time
	Payload    []byte
}

// DataSource is the upstream market-data API surface.
type DataSource interface {
	// Constituents returns the current index membership.
	Constituents(ctx context.Context) ([]string, error)

	// PriceBars returns daily bars for symbol on or after since.
	PriceBars(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error)

	// Fetch returns the latest document for a non-price category.
	Fetch(ctx context.Context, symbol string, cat model.Category) (*Document, error)

	// Health reports whether the provider is reachable. A failing health
	// check aborts the daily cycle before any budget is spent.
	Health(ctx context.Context) error

	// Remaining reports the provider-side request allowance, or -1 when the
	// provider does not advertise one.
	Remaining(ctx context.Context) (int, error)
}
