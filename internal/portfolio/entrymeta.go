// entrymeta.go derives acquisition metadata from trade history.
//
// One wallet-wide paginated fetch of BUY trades serves every token in the
// portfolio, so the resolver costs O(pages) per refresh instead of O(tokens).
// Results are cached for the configured TTL (90 s default) and failures are
// non-fatal: positions simply lack entry metadata for a cycle.
package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/dataapi"
	"polymarket-portfolio/pkg/types"
)

// EntryMetaResolver aggregates BUY trade history into per-token entry prices
// and acquisition timestamps.
type EntryMetaResolver struct {
	data   *dataapi.Client
	cfg    config.TrackerConfig
	logger *slog.Logger

	mu        sync.Mutex
	wallet    string
	cached    map[string]types.EntryMeta
	fetchedAt time.Time

	now func() time.Time // test hook
}

// NewEntryMetaResolver creates a resolver backed by the Data-API client.
func NewEntryMetaResolver(data *dataapi.Client, cfg config.TrackerConfig, logger *slog.Logger) *EntryMetaResolver {
	return &EntryMetaResolver{
		data:   data,
		cfg:    cfg,
		logger: logger.With("component", "entrymeta"),
		now:    time.Now,
	}
}

// Resolve returns per-token entry metadata for address. A cached result is
// reused within the TTL; on fetch failure the previous cache is served when
// it belongs to the same wallet, otherwise nil is returned with the error.
func (r *EntryMetaResolver) Resolve(ctx context.Context, address string) (map[string]types.EntryMeta, error) {
	r.mu.Lock()
	if r.wallet == address && r.cached != nil && r.now().Sub(r.fetchedAt) < r.cfg.EntryMetaCacheTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	meta, err := r.fetchAll(ctx, address)
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.wallet == address && r.cached != nil {
			r.logger.Warn("trade history fetch failed, serving previous entry meta",
				"address", address,
				"error", err,
			)
			return r.cached, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.wallet = address
	r.cached = meta
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return meta, nil
}

// Invalidate drops the cached aggregate. Used by hard resets.
func (r *EntryMetaResolver) Invalidate() {
	r.mu.Lock()
	r.wallet = ""
	r.cached = nil
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

type tradeAgg struct {
	notional decimal.Decimal // Σ price·size
	size     decimal.Decimal // Σ size
	first    int64
	last     int64
}

func (r *EntryMetaResolver) fetchAll(ctx context.Context, address string) (map[string]types.EntryMeta, error) {
	perPage := r.cfg.TradesPerPage
	if perPage <= 0 {
		perPage = 500
	}
	maxPages := r.cfg.MaxTradePages
	if maxPages <= 0 {
		maxPages = 20
	}

	aggs := make(map[string]*tradeAgg)
	for page := 0; page < maxPages; page++ {
		trades, err := r.data.GetTrades(ctx, address, perPage, page*perPage)
		if err != nil {
			return nil, err
		}
		for _, t := range trades {
			if t.Side != "BUY" || t.Asset == "" {
				continue
			}
			size := decimal.NewFromFloat(float64(t.Size))
			if size.Sign() <= 0 {
				continue
			}
			price := decimal.NewFromFloat(float64(t.Price))

			agg, ok := aggs[t.Asset]
			if !ok {
				agg = &tradeAgg{first: t.Timestamp, last: t.Timestamp}
				aggs[t.Asset] = agg
			}
			agg.notional = agg.notional.Add(price.Mul(size))
			agg.size = agg.size.Add(size)
			if t.Timestamp < agg.first {
				agg.first = t.Timestamp
			}
			if t.Timestamp > agg.last {
				agg.last = t.Timestamp
			}
		}
		if len(trades) < perPage {
			break
		}
	}

	now := r.now()
	out := make(map[string]types.EntryMeta, len(aggs))
	for token, agg := range aggs {
		if agg.size.Sign() <= 0 {
			continue
		}
		avgCents, _ := agg.notional.Div(agg.size).Mul(decimal.NewFromInt(100)).Float64()

		meta := types.EntryMeta{
			AvgEntryPriceCents: avgCents,
			FirstAcquiredAt:    time.Unix(agg.first, 0),
			LastAcquiredAt:     time.Unix(agg.last, 0),
		}
		held := meta.FirstAcquiredAt
		if r.cfg.UseLastAcquiredForTimeHeld {
			held = meta.LastAcquiredAt
		}
		meta.TimeHeld = now.Sub(held)
		out[token] = meta
	}

	r.logger.Debug("entry meta resolved", "address", address, "tokens", len(out))
	return out, nil
}
