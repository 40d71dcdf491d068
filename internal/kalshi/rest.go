package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
	"github.com/seanbearden/kalshi-analysis-sub000/pkg/safe"
)

// ErrBreakerOpen is returned while the REST circuit breaker rejects calls.
var ErrBreakerOpen = fmt.Errorf("kalshi: rest circuit open")

// RestClient calls the Kalshi REST API for portfolio snapshots and gap
// backfill. Calls go through a token-bucket rate limiter and a circuit
// breaker so a degraded venue API cannot stall or hammer anything.
type RestClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *infra.RateLimiter
	breaker *infra.CircuitBreaker
	now     func() time.Time
}

// NewRestClient creates a REST client for the given API base URL.
func NewRestClient(baseURL, apiKey string) *RestClient {
	return &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: infra.NewRateLimiter(5, 10), // 10 req/s, burst 5
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("kalshi-rest")),
		now:     time.Now,
	}
}

type wirePosition struct {
	Ticker        string `json:"ticker"`
	Position      int64  `json:"position"` // signed: positive YES, negative NO
	ExposureCents int64  `json:"market_exposure"`
}

type positionsResponse struct {
	MarketPositions []wirePosition `json:"market_positions"`
}

type wireMarket struct {
	Ticker         string `json:"ticker"`
	LastPriceCents int64  `json:"last_price"`
}

type marketsResponse struct {
	Markets []wireMarket `json:"markets"`
}

// FetchCurrentPositions returns the venue's full view of open
// positions, with current prices joined from the markets endpoint,
// ordered by ticker.
func (c *RestClient) FetchCurrentPositions(ctx context.Context) ([]domain.Position, error) {
	var pr positionsResponse
	if err := c.get(ctx, "/portfolio/positions", nil, &pr); err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(pr.MarketPositions))
	tickers := make([]string, 0, len(pr.MarketPositions))
	for _, wp := range pr.MarketPositions {
		p, ok := positionFromWire(wp, c.now())
		if !ok {
			continue
		}
		positions = append(positions, p)
		tickers = append(tickers, p.Ticker)
	}

	if len(tickers) > 0 {
		prices, err := c.lastPrices(ctx, tickers)
		if err != nil {
			return nil, err
		}
		for i := range positions {
			if cents, ok := prices[positions[i].Ticker]; ok {
				positions[i].CurrentCents = cents
			}
		}
	}

	return positions, nil
}

// FetchAtSequence fetches the venue's current position for one market
// to repair a sequence gap. Kalshi has no sequence-indexed query, so
// the repair is a point-in-time read; nil means no position is held.
func (c *RestClient) FetchAtSequence(ctx context.Context, market string, seq uint64) (*domain.Position, error) {
	params := url.Values{"ticker": {market}}
	var pr positionsResponse
	if err := c.get(ctx, "/portfolio/positions", params, &pr); err != nil {
		return nil, err
	}

	for _, wp := range pr.MarketPositions {
		if wp.Ticker != market {
			continue
		}
		p, ok := positionFromWire(wp, c.now())
		if !ok {
			return nil, nil // flat position: gap resolves to "no position"
		}

		prices, err := c.lastPrices(ctx, []string{market})
		if err != nil {
			return nil, err
		}
		if cents, ok := prices[market]; ok {
			p.CurrentCents = cents
		}
		return &p, nil
	}
	return nil, nil
}

// VerifyCredentials makes one authenticated call so a bad key fails
// fast at startup instead of mid-stream.
func (c *RestClient) VerifyCredentials(ctx context.Context) error {
	var out struct {
		BalanceCents int64 `json:"balance"`
	}
	return c.get(ctx, "/portfolio/balance", nil, &out)
}

func (c *RestClient) lastPrices(ctx context.Context, tickers []string) (map[string]int64, error) {
	params := url.Values{"tickers": {strings.Join(tickers, ",")}}
	var mr marketsResponse
	if err := c.get(ctx, "/markets", params, &mr); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(mr.Markets))
	for _, m := range mr.Markets {
		out[m.Ticker] = m.LastPriceCents
	}
	return out, nil
}

func (c *RestClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if !c.breaker.Allow() {
		return ErrBreakerOpen
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.breaker.RecordFailure()
		return &infra.AuthError{Reason: fmt.Sprintf("GET %s: %s", path, resp.Status)}
	case resp.StatusCode != http.StatusOK:
		c.breaker.RecordFailure()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, body)
	}

	c.breaker.RecordSuccess()
	return json.NewDecoder(resp.Body).Decode(out)
}

// positionFromWire maps a signed venue position to the domain shape.
// Until a price is joined, CurrentCents carries the average entry so
// P&L reads zero rather than nonsense.
func positionFromWire(wp wirePosition, at time.Time) (domain.Position, bool) {
	if wp.Position == 0 {
		return domain.Position{}, false
	}

	side := domain.SideYes
	qty := wp.Position
	if qty < 0 {
		side = domain.SideNo
		qty = -qty
	}

	exposure := wp.ExposureCents
	if exposure < 0 {
		exposure = -exposure
	}
	entry := safe.Div(exposure, qty)

	return domain.Position{
		Ticker:        wp.Ticker,
		Side:          side,
		Quantity:      qty,
		AvgEntryCents: entry,
		CurrentCents:  entry,
		UpdatedAt:     at,
	}, true
}
