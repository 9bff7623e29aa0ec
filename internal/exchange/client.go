// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) covers the two read paths the engine needs:
//   - GetOrderBook: GET /book  — L2 book for a token (best bid is the
//     executable sale price)
//   - GetMidPrice:  GET /price — fallback mid from the BUY and SELL quotes
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 5xx errors. 404s are surfaced as a typed StatusError so the enricher
// can classify NO_BOOK_404 versus transient failures.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/pkg/types"
)

// Spread above which a two-sided book is treated as an anomaly rather than
// a price source. Legitimate wide markets stay well under this.
const anomalySpread = 0.5

// StatusError is a non-2xx upstream response. Callers inspect Code to
// distinguish hard client errors (404, 422) from retryable server errors.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Client is the CLOB REST API client for read-only market data.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "clob"),
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// GetMidPrice fetches the fallback mid price for a token: the mean of the
// BUY-side and SELL-side /price quotes. Returns 0 when neither side quotes.
func (c *Client) GetMidPrice(ctx context.Context, tokenID string) (float64, error) {
	buy, buyErr := c.getPrice(ctx, tokenID, "BUY")
	sell, sellErr := c.getPrice(ctx, tokenID, "SELL")

	switch {
	case buyErr == nil && sellErr == nil:
		return (buy + sell) / 2, nil
	case buyErr == nil:
		return buy, nil
	case sellErr == nil:
		return sell, nil
	default:
		return 0, buyErr
	}
}

func (c *Client) getPrice(ctx context.Context, tokenID, side string) (float64, error) {
	if err := c.rl.Price.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"token_id": tokenID,
			"side":     side,
		}).
		SetResult(&result).
		Get("/price")
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", result.Price, err)
	}
	return price, nil
}

// QuoteFromBook distills a book response into best bid/ask plus a status
// classification. The extremes are recomputed from the full levels rather
// than trusting server-side ordering; a crossed book or a spread beyond
// anomalySpread is flagged as BOOK_ANOMALY.
func QuoteFromBook(resp *types.BookResponse) types.BookQuote {
	q := types.BookQuote{FetchedAt: time.Now()}

	if len(resp.Bids) == 0 && len(resp.Asks) == 0 {
		q.Status = types.BookEmpty
		return q
	}

	for _, lvl := range resp.Bids {
		if p, err := strconv.ParseFloat(lvl.Price, 64); err == nil {
			q.BestBid = math.Max(q.BestBid, p)
		}
	}
	q.BestAsk = math.Inf(1)
	for _, lvl := range resp.Asks {
		if p, err := strconv.ParseFloat(lvl.Price, 64); err == nil {
			q.BestAsk = math.Min(q.BestAsk, p)
		}
	}
	if math.IsInf(q.BestAsk, 1) {
		q.BestAsk = 0
	}

	crossed := q.BestBid > 0 && q.BestAsk > 0 && q.BestBid > q.BestAsk
	wide := q.BestBid > 0 && q.BestAsk > 0 && q.BestAsk-q.BestBid > anomalySpread
	if crossed || wide {
		q.Status = types.BookAnomaly
		return q
	}

	q.Status = types.BookAvailable
	return q
}
