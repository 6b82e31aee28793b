package provider

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// Stub is an in-memory DataSource for tests. Unset function fields return
// empty results. Calls counts every request that would have hit the network.
type Stub struct {
	mu    sync.Mutex
	calls int

	ConstituentsFn func(ctx context.Context) ([]string, error)
	PriceBarsFn    func(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error)
	FetchFn        func(ctx context.Context, symbol string, cat model.Category) (*Document, error)
	HealthFn       func(ctx context.Context) error
}

func (s *Stub) record() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

// Calls returns the number of provider requests made so far.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Stub) Constituents(ctx context.Context) ([]string, error) {
	s.record()
	if s.ConstituentsFn != nil {
		return s.ConstituentsFn(ctx)
	}
	return nil, nil
}

func (s *Stub) PriceBars(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error) {
	s.record()
	if s.PriceBarsFn != nil {
		return s.PriceBarsFn(ctx, symbol, since)
	}
	return nil, nil
}

func (s *Stub) Fetch(ctx context.Context, symbol string, cat model.Category) (*Document, error) {
	s.record()
	if s.FetchFn != nil {
		return s.FetchFn(ctx, symbol, cat)
	}
	return &Document{
		Symbol:     symbol,
		Category:   cat,
		RecordDate: time.Now().UTC().Truncate(24 * time.Hour),
		Payload:    []byte(`{}`),
	}, nil
}

func (s *Stub) Health(ctx context.Context) error {
	if s.HealthFn != nil {
		return s.HealthFn(ctx)
	}
	return nil
}

func (s *Stub) Remaining(ctx context.Context) (int, error) {
	return -1, nil
}
