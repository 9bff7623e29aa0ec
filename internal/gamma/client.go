// Package gamma fetches market resolution status from the Gamma API.
//
// Tokens are looked up in batches via GET /markets?clob_token_ids=... (25
// per request, the Gamma maximum). When a batch request fails the client
// degrades to single-token lookups for that chunk, so one malformed ID
// cannot poison the whole batch. The result is a per-token OutcomeEntry the
// tracker stores in the outcome cache.
package gamma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/exchange"
	"polymarket-portfolio/pkg/types"
)

// A price this close to 1.0 on a closed market is treated as a settled
// outcome even when the resolved flag lags.
const definitivePrice = 0.999

// Client is the Gamma markets client.
type Client struct {
	http      *resty.Client
	rl        *exchange.RateLimiter
	logger    *slog.Logger
	batchSize int

	mu       sync.Mutex
	requests int // Gamma requests since last ResetMetrics
}

// NewClient creates a Gamma client. batchSize is clamped to 1..25.
func NewClient(cfg config.APIConfig, batchSize int, logger *slog.Logger) *Client {
	if batchSize < 1 || batchSize > 25 {
		batchSize = 25
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:      httpClient,
		rl:        exchange.NewRateLimiter(),
		logger:    logger.With("component", "gamma"),
		batchSize: batchSize,
	}
}

// Requests returns the number of Gamma requests since the last ResetMetrics.
func (c *Client) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// ResetMetrics zeroes the per-refresh request counter.
func (c *Client) ResetMetrics() {
	c.mu.Lock()
	c.requests = 0
	c.mu.Unlock()
}

func (c *Client) countRequest() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
}

// FetchOutcomes resolves market status for the given token IDs. Tokens the
// Gamma API does not know are simply absent from the result; the caller
// decides how to treat unknowns. Partial results are returned alongside the
// last error encountered.
func (c *Client) FetchOutcomes(ctx context.Context, tokens []string) (map[string]types.OutcomeEntry, error) {
	out := make(map[string]types.OutcomeEntry, len(tokens))
	var lastErr error

	for start := 0; start < len(tokens); start += c.batchSize {
		end := start + c.batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]

		markets, err := c.fetchMarkets(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			c.logger.Warn("batch market fetch failed, degrading to single-token lookups",
				"chunk_size", len(chunk),
				"error", err,
			)
			markets, err = c.fetchSingly(ctx, chunk)
			if err != nil {
				lastErr = err
			}
		}

		for token, entry := range deriveEntries(markets, chunk) {
			out[token] = entry
		}
	}

	return out, lastErr
}

// fetchMarkets performs one batched GET /markets call.
func (c *Client) fetchMarkets(ctx context.Context, tokens []string) ([]types.GammaMarket, error) {
	if err := c.rl.Gamma.Wait(ctx); err != nil {
		return nil, err
	}
	c.countRequest()

	var result []types.GammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", strings.Join(tokens, ",")).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return result, nil
}

// fetchSingly retries a failed chunk one token at a time. A 404 or 422 for
// an individual token means Gamma does not know it; that token is skipped
// rather than failing the refresh.
func (c *Client) fetchSingly(ctx context.Context, tokens []string) ([]types.GammaMarket, error) {
	var out []types.GammaMarket
	var lastErr error

	for _, token := range tokens {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		markets, err := c.fetchMarkets(ctx, []string{token})
		if err != nil {
			var se *exchange.StatusError
			if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusUnprocessableEntity) {
				c.logger.Debug("token unknown to gamma", "token_id", token, "status", se.Code)
				continue
			}
			lastErr = err
			continue
		}
		out = append(out, markets...)
	}
	return out, lastErr
}

// deriveEntries maps each wanted token to its OutcomeEntry using the markets
// returned by Gamma. Winner selection priority for resolved markets:
//  1. the outcome whose outcomePrices entry is definitive (≥ definitivePrice)
//  2. the market's explicit resolved/winning outcome field
//  3. the tokens[] winner flag
func deriveEntries(markets []types.GammaMarket, wanted []string) map[string]types.OutcomeEntry {
	want := make(map[string]bool, len(wanted))
	for _, t := range wanted {
		want[t] = true
	}

	out := make(map[string]types.OutcomeEntry)
	for i := range markets {
		m := &markets[i]
		ids := m.TokenIDs()
		names := m.OutcomeNames()
		prices := m.Prices()
		endTime := m.EndTime()

		winner, resolved := resolveWinner(m, names, prices)

		for idx, token := range ids {
			if !want[token] {
				continue
			}
			entry := types.OutcomeEntry{
				Resolved: resolved,
				Winner:   winner,
				Closed:   m.Closed,
				HasBook:  m.EnableOrderBook,
				EndTime:  endTime,
			}
			if idx < len(prices) {
				entry.WinnerPrice = prices[idx]
			}
			out[token] = entry
		}
	}
	return out
}

// resolveWinner decides whether the market is settled and which outcome won.
func resolveWinner(m *types.GammaMarket, names []string, prices []float64) (winner string, resolved bool) {
	// Definitive prices on a closed market settle it even when the resolved
	// flag has not flipped yet.
	if m.Closed && len(prices) == len(names) {
		for i, p := range prices {
			if p >= definitivePrice {
				return names[i], true
			}
		}
	}

	if w := m.ExplicitWinner(); w != "" {
		return w, true
	}

	for _, t := range m.Tokens {
		if t.Winner {
			return t.Outcome, true
		}
	}

	if m.Resolved {
		// Resolved but no winner identifiable: fall back to the highest price.
		// A >0.5 majority price is only trusted here, behind the resolved
		// flag — live markets cross 0.5 all the time without settling.
		if len(prices) == len(names) && len(prices) > 0 {
			best, bestIdx := prices[0], 0
			for i, p := range prices {
				if p > best {
					best, bestIdx = p, i
				}
			}
			if best > 0.5 {
				return names[bestIdx], true
			}
		}
		return "", true
	}

	return "", false
}
