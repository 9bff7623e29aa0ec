// enrich.go turns normalized raw positions into fully-classified ones.
//
// Enrichment is the heart of the engine: per position it fetches the order
// book (through the cache and circuit breaker), determines lifecycle state
// under the strict redeemability rules, selects a mark price by priority
// (Data-API → executable book → fallback mid), computes P&L, and assigns
// trust and classification. Book failures never exclude a position — they
// only degrade its execution status and trust flags.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"polymarket-portfolio/internal/breaker"
	"polymarket-portfolio/internal/cache"
	"polymarket-portfolio/internal/exchange"
	"polymarket-portfolio/internal/logdedup"
	"polymarket-portfolio/internal/onchain"
	"polymarket-portfolio/pkg/types"
)

// Price band beyond which a position with no bids is worth an on-chain
// settlement probe: near-certain winners and near-certain losers.
const (
	probeHighPrice = 0.995
	probeLowPrice  = 0.005

	nearResolutionPrice = 0.995

	// Book-vs-mid mismatch heuristic: a sub-0.1¢ best bid next to a >10¢
	// mid with a sane spread means the book belongs to a different token.
	mismatchBidCeiling = 0.001
	mismatchMidFloor   = 0.10
	mismatchSpreadCap  = 0.20

	diagnosticLogTTL = time.Minute
)

// Enricher classifies one position per call. Safe for concurrent use; the
// refresh loop runs it over batches of positions in parallel.
type Enricher struct {
	clob     *exchange.Client
	books    *cache.BookCache
	outcomes *cache.OutcomeCache
	brk      *breaker.Breaker
	prober   *onchain.Prober
	dedup    *logdedup.Deduper
	logger   *slog.Logger

	bookHits   atomic.Int64
	bookMisses atomic.Int64
}

// NewEnricher wires the enrichment pipeline.
func NewEnricher(
	clob *exchange.Client,
	books *cache.BookCache,
	outcomes *cache.OutcomeCache,
	brk *breaker.Breaker,
	prober *onchain.Prober,
	dedup *logdedup.Deduper,
	logger *slog.Logger,
) *Enricher {
	return &Enricher{
		clob:     clob,
		books:    books,
		outcomes: outcomes,
		brk:      brk,
		prober:   prober,
		dedup:    dedup,
		logger:   logger.With("component", "enricher"),
	}
}

// BookCacheStats returns hit/miss counts since the last ResetMetrics.
func (e *Enricher) BookCacheStats() (hits, misses int) {
	return int(e.bookHits.Load()), int(e.bookMisses.Load())
}

// ResetMetrics zeroes the per-refresh counters.
func (e *Enricher) ResetMetrics() {
	e.bookHits.Store(0)
	e.bookMisses.Store(0)
}

// Enrich produces the classified position for one normalized raw entry.
// A non-empty SkipReason means the position must be dropped from the cycle;
// that only happens for aborted contexts — degraded upstreams produce an
// included position with reduced trust instead.
func (e *Enricher) Enrich(ctx context.Context, norm types.NormalizedPosition, entry *types.EntryMeta) (types.Position, types.SkipReason) {
	pos := types.Position{
		MarketID:   norm.ConditionID,
		TokenID:    norm.TokenID,
		Side:       norm.Side,
		Size:       norm.Size,
		EntryPrice: norm.EntryPrice,
		State:      types.StateActive,
		Proof:      types.ProofNone,
		PnLSource:  types.SourceFallback,
		Entry:      entry,
	}

	outcome, hasOutcome := e.outcomes.Get(norm.TokenID)
	if hasOutcome {
		pos.MarketClosed = outcome.Closed
		if !outcome.EndTime.IsZero() {
			t := outcome.EndTime
			pos.MarketEndTime = &t
		}
	}

	blocked := e.brk.IsOpen(norm.TokenID)
	quote, skip := e.fetchBook(ctx, norm.TokenID, blocked)
	if skip != "" {
		return pos, skip
	}
	pos.BookStatus = quote.Status
	if quote.Status == types.BookAvailable {
		bid, ask := quote.BestBid, quote.BestAsk
		pos.BestBid = &bid
		pos.BestAsk = &ask
		e.checkBookMismatch(norm.TokenID, quote)
	}

	settlement := e.determineState(ctx, &pos, norm, outcome, hasOutcome, quote)

	if skip := e.selectMarkPrice(ctx, &pos, norm, quote, blocked); skip != "" {
		return pos, skip
	}
	if settlement != nil {
		pos.CurrentPrice = *settlement
		pos.PnLPct = pnlPct(pos.EntryPrice, pos.CurrentPrice)
		pos.PnLUSD = pnlUSD(pos.EntryPrice, pos.CurrentPrice, pos.Size)
	}

	e.applyTrust(&pos, norm, outcome, hasOutcome, blocked)
	e.classify(&pos)

	pos.NearResolution = pos.State != types.StateRedeemable && pos.CurrentPrice >= nearResolutionPrice

	switch {
	case blocked:
		pos.ExecutionStatus = types.ExecBlocked
	case quote.Status == types.BookAvailable:
		pos.ExecutionStatus = types.ExecTradable
		pos.ExecPriceTrusted = true
	default:
		pos.ExecutionStatus = types.ExecNotOnCLOB
	}

	return pos, ""
}

// fetchBook returns the top-of-book quote, consulting the cache first and
// feeding the circuit breaker. While the circuit is open no call is made.
func (e *Enricher) fetchBook(ctx context.Context, token string, blocked bool) (types.BookQuote, types.SkipReason) {
	if blocked {
		return types.BookQuote{Status: types.BookNotFetched}, ""
	}

	if q, ok := e.books.Get(token); ok {
		e.bookHits.Add(1)
		return q, ""
	}
	e.bookMisses.Add(1)

	resp, err := e.clob.GetOrderBook(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return types.BookQuote{}, types.SkipPricingFetchFailed
		}
		status, errType := classifyBookError(err)
		e.brk.RecordFailure(token, errType, nil)
		return types.BookQuote{Status: status}, ""
	}

	quote := exchange.QuoteFromBook(resp)
	e.books.Set(token, quote)
	if quote.BestBid > 0 {
		e.brk.RecordSuccess(token)
	}
	return quote, ""
}

func classifyBookError(err error) (types.BookStatus, breaker.ErrorType) {
	var se *exchange.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusNotFound:
			return types.BookNotFound, breaker.ErrNotFound
		case http.StatusUnprocessableEntity:
			return types.BookNotFound, breaker.ErrUnprocessable
		default:
			return types.BookNotFetched, breaker.ErrOther
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.BookNotFetched, breaker.ErrTimeout
	}
	return types.BookNotFetched, breaker.ErrNetwork
}

// checkBookMismatch logs the token-mismatch diagnostic: a near-zero best
// bid alongside a healthy mid almost always means the fetched book belongs
// to a different token.
func (e *Enricher) checkBookMismatch(token string, q types.BookQuote) {
	if q.BestBid >= mismatchBidCeiling || q.BestAsk <= 0 {
		return
	}
	mid := (q.BestBid + q.BestAsk) / 2
	spread := q.BestAsk - q.BestBid
	if mid > mismatchMidFloor && spread < mismatchSpreadCap {
		if e.dedup.ShouldLog("book_mismatch:"+token, diagnosticLogTTL, "") {
			e.logger.Warn("TOKEN_MISMATCH_OR_BOOK_FETCH_BUG: best bid near zero but mid is healthy",
				"token_id", token,
				"best_bid", q.BestBid,
				"best_ask", q.BestAsk,
			)
		}
	}
}

// determineState applies the strict redeemability state machine. The
// returned settlement price is non-nil when state is REDEEMABLE with a
// known settlement, in which case it overrides the mark price.
func (e *Enricher) determineState(
	ctx context.Context,
	pos *types.Position,
	norm types.NormalizedPosition,
	outcome types.OutcomeEntry,
	hasOutcome bool,
	quote types.BookQuote,
) *float64 {
	if norm.Redeemable {
		// Guard against the false-redeemable bug: the index sometimes flags
		// markets that still trade. Positive Gamma evidence of a live,
		// unresolved market overrides the flag.
		if hasOutcome && !outcome.Resolved && outcome.HasBook {
			if e.dedup.ShouldLog("false_redeemable:"+norm.TokenID, diagnosticLogTTL, "") {
				e.logger.Warn("redeemable flag contradicted by live market, keeping ACTIVE",
					"token_id", norm.TokenID,
					"condition_id", norm.ConditionID,
				)
			}
			return nil
		}

		// Closed-but-unresolved limbo: when the chain can be asked and says
		// the condition has not settled, the chain wins.
		if hasOutcome && outcome.Closed && !outcome.Resolved && e.prober.Enabled() {
			settled, err := e.prober.IsRedeemable(ctx, norm.ConditionID)
			if err == nil && !settled {
				pos.State = types.StateClosedNotRedeemable
				return nil
			}
			if err == nil && settled {
				pos.State = types.StateRedeemable
				pos.Proof = types.ProofOnChain
				return settlementPrice(norm, outcome, hasOutcome)
			}
		}

		pos.State = types.StateRedeemable
		pos.Proof = types.ProofDataAPIFlag
		return settlementPrice(norm, outcome, hasOutcome)
	}

	// Without the flag, the chain is consulted only for positions priced at
	// the extremes with no way to sell through the book.
	candidate := norm.EntryPrice
	if norm.CurPrice != nil {
		candidate = *norm.CurPrice
	} else if quote.BestBid > 0 {
		candidate = quote.BestBid
	}
	extreme := candidate >= probeHighPrice || candidate <= probeLowPrice
	if extreme && quote.BestBid == 0 && e.prober.Enabled() {
		settled, err := e.prober.IsRedeemable(ctx, norm.ConditionID)
		if err != nil {
			e.logger.Debug("on-chain probe failed", "condition_id", norm.ConditionID, "error", err)
		} else if settled {
			pos.State = types.StateRedeemable
			pos.Proof = types.ProofOnChain
			settle := 0.0
			if candidate >= probeHighPrice {
				settle = 1.0
			}
			return &settle
		}
	}

	if hasOutcome && outcome.Closed && !outcome.Resolved {
		pos.State = types.StateClosedNotRedeemable
	}
	return nil
}

// settlementPrice resolves the 1.0/0.0 settlement for a redeemable position
// when the winning outcome is known. Unknown winners return nil and the
// normal mark-price priority applies.
func settlementPrice(norm types.NormalizedPosition, outcome types.OutcomeEntry, hasOutcome bool) *float64 {
	if !hasOutcome || outcome.Winner == "" {
		return nil
	}
	settle := 0.0
	if strings.EqualFold(outcome.Winner, norm.Side) {
		settle = 1.0
	}
	return &settle
}

// selectMarkPrice applies the price priority: Data-API → executable book →
// fallback mid → entry price (untrusted).
func (e *Enricher) selectMarkPrice(ctx context.Context, pos *types.Position, norm types.NormalizedPosition, quote types.BookQuote, blocked bool) types.SkipReason {
	switch {
	case norm.CurPrice != nil:
		pos.PnLSource = types.SourceDataAPI
		pos.CurrentPrice = *norm.CurPrice
		if norm.PercentPnL != nil {
			pos.PnLPct = *norm.PercentPnL
		} else {
			pos.PnLPct = pnlPct(pos.EntryPrice, pos.CurrentPrice)
		}
		if norm.CashPnL != nil {
			pos.PnLUSD = *norm.CashPnL
		} else {
			pos.PnLUSD = pnlUSD(pos.EntryPrice, pos.CurrentPrice, pos.Size)
		}

	case quote.BestBid > 0:
		pos.PnLSource = types.SourceExecutableBook
		pos.CurrentPrice = quote.BestBid
		pos.PnLPct = pnlPct(pos.EntryPrice, pos.CurrentPrice)
		pos.PnLUSD = pnlUSD(pos.EntryPrice, pos.CurrentPrice, pos.Size)

	default:
		mid, err := e.fallbackMid(ctx, norm.TokenID, blocked)
		if err != nil && ctx.Err() != nil {
			return types.SkipPricingFetchFailed
		}
		pos.PnLSource = types.SourceFallback
		if err == nil && mid > 0 {
			pos.CurrentPrice = mid
			pos.PnLPct = pnlPct(pos.EntryPrice, pos.CurrentPrice)
			pos.PnLUSD = pnlUSD(pos.EntryPrice, pos.CurrentPrice, pos.Size)
		} else {
			// No price source at all: hold at entry so P&L reads zero.
			pos.CurrentPrice = pos.EntryPrice
		}
	}

	if pos.CurrentPrice > pos.EntryPrice && pos.PnLPct <= 0 && pos.PnLSource == types.SourceDataAPI {
		if e.dedup.ShouldLog("pnl_anomaly:"+norm.TokenID, diagnosticLogTTL, "") {
			e.logger.Warn("P&L calculation anomaly: price above entry but pnl not positive",
				"token_id", norm.TokenID,
				"entry_price", pos.EntryPrice,
				"current_price", pos.CurrentPrice,
				"pnl_pct", pos.PnLPct,
			)
		}
	}
	return ""
}

// fallbackMid fetches the BUY/SELL mid, masking an open circuit with the
// last captured price.
func (e *Enricher) fallbackMid(ctx context.Context, token string, blocked bool) (float64, error) {
	if blocked {
		if price, ok := e.brk.LastKnownPrice(token); ok {
			return price, nil
		}
		return 0, errCircuitOpen
	}

	mid, err := e.clob.GetMidPrice(ctx, token)
	if err != nil {
		if ctx.Err() == nil {
			_, errType := classifyBookError(err)
			e.brk.RecordFailure(token, errType, nil)
		}
		return 0, err
	}
	return mid, nil
}

var errCircuitOpen = errors.New("circuit open")

// applyTrust implements the trust rule: settlement certainty, a direct
// Data-API value, or an executable book price each suffice; a bare fallback
// mid only counts when the Data-API corroborated with a current value.
func (e *Enricher) applyTrust(pos *types.Position, norm types.NormalizedPosition, outcome types.OutcomeEntry, hasOutcome bool, blocked bool) {
	settlementCertain := pos.State == types.StateRedeemable &&
		(pos.Proof == types.ProofOnChain || (hasOutcome && outcome.Winner != ""))

	switch {
	case settlementCertain,
		pos.PnLSource == types.SourceDataAPI,
		pos.PnLSource == types.SourceExecutableBook,
		pos.PnLSource == types.SourceFallback && (norm.CurPrice != nil || norm.CurrentValue != nil):
		pos.PnLTrusted = true
	default:
		pos.PnLTrusted = false
		switch {
		case blocked:
			pos.Untrusted = types.UntrustedCircuitOpen
		case pos.CurrentPrice == pos.EntryPrice:
			pos.Untrusted = types.UntrustedNoPriceSource
		default:
			pos.Untrusted = types.UntrustedFallbackNoAPI
		}
	}
}

// classify maps trusted P&L sign to a bucket; untrusted is always UNKNOWN.
func (e *Enricher) classify(pos *types.Position) {
	if !pos.PnLTrusted {
		pos.PnLClass = types.ClassUnknown
		return
	}
	switch {
	case pos.PnLPct > 0:
		pos.PnLClass = types.ClassProfitable
	case pos.PnLPct < 0:
		pos.PnLClass = types.ClassLosing
	default:
		pos.PnLClass = types.ClassNeutral
	}
}

func pnlPct(entry, current float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (current - entry) / entry * 100
}

func pnlUSD(entry, current, size float64) float64 {
	return (current - entry) * size
}
