package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/resilience"
)

// ErrNotFound indicates the provider has no data for the requested symbol and
// category. It is permanent; retrying will not help.
var ErrNotFound = eris.New("provider: not found")

// Options configures the HTTP provider.
type Options struct {
	BaseURL           string
	APIKey            string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	FailureThreshold  int
	ResetTimeout      time.Duration
}

// HTTPProvider implements DataSource over the provider's REST API. Every
// request passes through a shared rate limiter and a circuit breaker, so a
// provider outage trips fast instead of burning the request budget on
// timeouts.
type HTTPProvider struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

// categoryEndpoints maps non-price categories to their REST path segments.
var categoryEndpoints = map[model.Category]string{
	model.CategoryProfile:    "profile",
	model.CategoryActions:    "corporate-actions",
	model.CategoryStatements: "statements",
	model.CategoryAnalyst:    "analyst-ratings",
}

// NewHTTP creates an HTTPProvider with the given options.
func NewHTTP(opts Options) *HTTPProvider {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = 2 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "marketsync/1.0"
	}

	logger := zap.L().With(zap.String("component", "provider"))

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPProvider{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: opts.FailureThreshold,
			ResetTimeout:     opts.ResetTimeout,
		}),
		retry: resilience.RetryConfig{
			MaxAttempts: opts.MaxRetries,
			OnRetry:     resilience.RetryLogger("provider fetch"),
		},
		logger: logger,
	}
}

func (p *HTTPProvider) Constituents(ctx context.Context) ([]string, error) {
	var raw []struct {
		Symbol string `json:"symbol"`
	}
	if err := p.getJSON(ctx, "sp500/constituents", nil, &raw); err != nil {
		return nil, eris.Wrap(err, "provider: constituents")
	}

	symbols := make([]string, 0, len(raw))
	for _, r := range raw {
		if r.Symbol != "" {
			symbols = append(symbols, r.Symbol)
		}
	}
	return symbols, nil
}

func (p *HTTPProvider) PriceBars(ctx context.Context, symbol string, since time.Time) ([]model.PriceBar, error) {
	var raw []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	}

	query := url.Values{}
	if !since.IsZero() {
		query.Set("from", since.UTC().Format("2006-01-02"))
	}
	if err := p.getJSON(ctx, "prices/"+url.PathEscape(symbol), query, &raw); err != nil {
		return nil, eris.Wrapf(err, "provider: price bars %s", symbol)
	}

	bars := make([]model.PriceBar, 0, len(raw))
	for _, r := range raw {
		d, err := time.Parse("2006-01-02", r.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "provider: bad bar date %q for %s", r.Date, symbol)
		}
		bars = append(bars, model.PriceBar{
			Symbol: symbol,
			Date:   d,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

func (p *HTTPProvider) Fetch(ctx context.Context, symbol string, cat model.Category) (*Document, error) {
	endpoint, ok := categoryEndpoints[cat]
	if !ok {
		return nil, eris.Errorf("provider: no endpoint for category %s", cat)
	}

	body, err := p.get(ctx, endpoint+"/"+url.PathEscape(symbol), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: fetch %s/%s", symbol, cat)
	}

	return &Document{
		Symbol:     symbol,
		Category:   cat,
		RecordDate: documentDate(body),
		Payload:    body,
	}, nil
}

func (p *HTTPProvider) Health(ctx context.Context) error {
	_, err := p.get(ctx, "health", nil)
	return eris.Wrap(err, "provider: health check")
}

func (p *HTTPProvider) Remaining(ctx context.Context) (int, error) {
	resp, err := p.doOnce(ctx, "health", nil)
	if err != nil {
		return -1, eris.Wrap(err, "provider: remaining")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return -1, nil
	}
	return n, nil
}

// getJSON fetches a path and decodes the JSON response into out.
func (p *HTTPProvider) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := p.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "decode %s", path)
	}
	return nil
}

// get fetches a path with rate limiting, retry, and circuit breaking.
func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var body []byte
	var notFound bool
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, p.retry, func(ctx context.Context) error {
			resp, err := p.doOnce(ctx, path, query)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				// Missing data is an answer, not a provider failure; it
				// must not trip the breaker.
				io.Copy(io.Discard, resp.Body) //nolint:errcheck
				notFound = true
				return nil
			case resilience.IsTransientHTTPStatus(resp.StatusCode):
				io.Copy(io.Discard, resp.Body) //nolint:errcheck
				return resilience.NewTransientError(
					fmt.Errorf("status %d for %s", resp.StatusCode, path), resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				io.Copy(io.Discard, resp.Body) //nolint:errcheck
				return eris.Errorf("status %d for %s", resp.StatusCode, path)
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return body, nil
}

// doOnce issues a single request after the rate limiter admits it.
func (p *HTTPProvider) doOnce(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	u, err := url.Parse(p.opts.BaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse base URL")
	}
	u = u.JoinPath(path)

	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if p.opts.APIKey != "" {
		q.Set("apikey", p.opts.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	return p.client.Do(req)
}

// documentDate extracts the record date from a JSON payload. Objects and
// arrays with a top-level "date" field are recognized; everything else gets
// today's date.
func documentDate(payload []byte) time.Time {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	var obj struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Date != "" {
		if d, err := time.Parse("2006-01-02", obj.Date); err == nil {
			return d
		}
	}

	var arr []struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(payload, &arr); err == nil {
		latest := time.Time{}
		for _, item := range arr {
			if d, err := time.Parse("2006-01-02", item.Date); err == nil && d.After(latest) {
				latest = d
			}
		}
		if !latest.IsZero() {
			return latest
		}
	}
	return today
}
