// Package dataapi is the client for the Polymarket Data-API: the positions
// index and the per-wallet trade history, plus the Gamma profile endpoint
// used to discover the proxy wallet. All payloads are treated as opaque and
// normalized at this edge; nothing downstream sees a legacy field alias.
package dataapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/exchange"
	"polymarket-portfolio/pkg/types"
)

// Client talks to the Data-API and the Gamma profile endpoint.
type Client struct {
	data   *resty.Client // positions + trades
	gamma  *resty.Client // profile
	rl     *exchange.RateLimiter
	logger *slog.Logger
}

// NewClient creates a Data-API client.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	newBase := func(url string) *resty.Client {
		return resty.New().
			SetBaseURL(url).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			})
	}

	return &Client{
		data:   newBase(cfg.DataBaseURL),
		gamma:  newBase(cfg.GammaBaseURL),
		rl:     exchange.NewRateLimiter(),
		logger: logger.With("component", "dataapi"),
	}
}

// GetPositions fetches the raw positions index for address.
func (c *Client) GetPositions(ctx context.Context, address string) ([]types.RawPosition, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.RawPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", address).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return result, nil
}

// GetTrades fetches one page of BUY-side trade history for address.
func (c *Client) GetTrades(ctx context.Context, address string, limit, offset int) ([]types.Trade, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Trade
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":   address,
			"side":   "BUY",
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&result).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return result, nil
}

// GetProxyWallet resolves the proxy wallet for an EOA via the profile
// endpoint. Returns "" when the trader has no proxy wallet.
func (c *Client) GetProxyWallet(ctx context.Context, address string) (string, error) {
	if err := c.rl.Gamma.Wait(ctx); err != nil {
		return "", err
	}

	var result types.Profile
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/profile/" + address)
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return result.ProxyWallet, nil
}
