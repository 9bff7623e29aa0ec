// Package portfolio implements the portfolio state engine: a refresh loop
// that reconstructs a consistent snapshot of the trader's open positions
// from the positions index, the CLOB order book, the Gamma markets API, and
// the on-chain settlement contract.
//
// tracker.go is the driver. It owns scheduling (periodic tick, single
// flight, minimum interval, watchdog deadline), the two-phase publish
// against the validator, failure escalation through soft and hard resets,
// and the per-token bookkeeping that persists across cycles.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"polymarket-portfolio/internal/breaker"
	"polymarket-portfolio/internal/cache"
	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/dataapi"
	"polymarket-portfolio/internal/exchange"
	"polymarket-portfolio/internal/gamma"
	"polymarket-portfolio/internal/logdedup"
	"polymarket-portfolio/internal/onchain"
	"polymarket-portfolio/internal/wallet"
	"polymarket-portfolio/pkg/types"
)

const heartbeatInterval = 5 * time.Minute

// RejectionError is returned when the validator refused a candidate
// snapshot. The previous snapshot stays published, marked stale.
type RejectionError struct {
	Reason types.RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("snapshot rejected: %s", e.Reason)
}

// Tracker is the portfolio state engine.
type Tracker struct {
	cfg    config.TrackerConfig
	logger *slog.Logger

	data   *dataapi.Client
	gammaC *gamma.Client
	clob   *exchange.Client
	prober *onchain.Prober
	feed   *exchange.MarketFeed // nil when no WS URL configured

	outcomes *cache.OutcomeCache
	books    *cache.BookCache
	endTimes *cache.FIFO[time.Time]
	brk      *breaker.Breaker
	dedup    *logdedup.Deduper

	resolver  *AddressResolver
	entry     *EntryMetaResolver
	enricher  *Enricher
	validator *Validator

	sf        singleflight.Group
	published atomic.Pointer[types.PortfolioSnapshot]

	mu                  sync.Mutex
	lastGood            *types.PortfolioSnapshot
	cycle               uint64
	lastAddress         string
	lastRefreshStart    time.Time
	lastRefreshDuration time.Duration
	consecutiveFailures int
	backoff             time.Duration
	degradedSince       time.Time
	bootstrap           bool // bypass ACTIVE_COLLAPSE_BUG exactly once
	recovery            bool
	recoveryCycles      int
	softResets          int
	hardResets          int
	lastResetAt         time.Time
	tokenSeen           map[string]time.Time
	outcomeHits         int
	outcomeMisses       int
	tokensFetched       int

	now func() time.Time // test hook
}

// New builds the engine from config. The wallet supplies the EOA and the
// RPC connection for on-chain probes; both degrade gracefully when absent.
func New(cfg *config.Config, w *wallet.Wallet, logger *slog.Logger) (*Tracker, error) {
	log := logger.With("component", "tracker")

	prober, err := onchain.New(w.RPC(), cfg.Wallet.CTFAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("init on-chain prober: %w", err)
	}

	dedup := logdedup.New(0)
	data := dataapi.NewClient(cfg.API, logger)
	clob := exchange.NewClient(cfg.API, logger)
	gammaC := gamma.NewClient(cfg.API, cfg.Tracker.GammaBatchSize, logger)

	outcomes := cache.NewOutcomeCache(cfg.Tracker.OutcomeCacheSize, cfg.Tracker.OutcomeCacheTTL)
	books := cache.NewBookCache(cfg.Tracker.BookCacheSize, cfg.Tracker.BookCacheTTL)
	brk := breaker.New(logger)

	var feed *exchange.MarketFeed
	if cfg.API.WSMarketURL != "" {
		feed = exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	}

	t := &Tracker{
		cfg:       cfg.Tracker,
		logger:    log,
		data:      data,
		gammaC:    gammaC,
		clob:      clob,
		prober:    prober,
		feed:      feed,
		outcomes:  outcomes,
		books:     books,
		endTimes:  cache.NewFIFO[time.Time](cfg.Tracker.EndTimeCacheSize),
		brk:       brk,
		dedup:     dedup,
		resolver:  NewAddressResolver(data, w.Address().Hex(), cfg.Tracker.StickyAddressWindow, dedup, logger),
		entry:     NewEntryMetaResolver(data, cfg.Tracker, logger),
		validator: NewValidator(logger),
		tokenSeen: make(map[string]time.Time),
		now:       time.Now,
	}
	t.enricher = NewEnricher(clob, books, outcomes, brk, prober, dedup, logger)
	return t, nil
}

// Run drives the refresh loop until ctx is cancelled. The first refresh
// fires immediately; thereafter the tick interval applies.
func (t *Tracker) Run(ctx context.Context) error {
	if t.feed != nil {
		go func() {
			if err := t.feed.Run(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("market feed stopped", "error", err)
			}
		}()
		go t.consumeInvalidations(ctx)
	}

	if _, err := t.Refresh(ctx); err != nil {
		t.logger.Warn("initial refresh failed", "error", err)
	}

	tick := time.NewTicker(t.cfg.RefreshInterval)
	defer tick.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.feed != nil {
				t.feed.Close()
			}
			return ctx.Err()
		case <-tick.C:
			if _, err := t.Refresh(ctx); err != nil {
				t.logger.Warn("refresh failed", "error", err)
			}
		case <-heartbeat.C:
			t.logHealth()
		}
	}
}

// Refresh runs (or joins) a refresh. At most one refresh is in flight
// process-wide; concurrent callers share its outcome. Returns the snapshot
// that is published when the call completes, which may be a stale fallback.
// Each caller gets its own deep copy; mutating it cannot touch the
// published or last-good views.
func (t *Tracker) Refresh(ctx context.Context) (*types.PortfolioSnapshot, error) {
	v, err, _ := t.sf.Do("refresh", func() (interface{}, error) {
		return t.refreshOnce(ctx)
	})
	snap, _ := v.(*types.PortfolioSnapshot)
	return snap.Clone(), err
}

// RefreshForCycle joins the refresh for cycle n. When n has already been
// published the current snapshot is returned without running anything.
func (t *Tracker) RefreshForCycle(ctx context.Context, n uint64) (*types.PortfolioSnapshot, error) {
	t.mu.Lock()
	done := t.cycle >= n
	t.mu.Unlock()
	if done {
		return t.published.Load().Clone(), nil
	}
	return t.Refresh(ctx)
}

// refreshOnce is the single-flight body: throttle, watchdog, refresh,
// then success or failure handling.
func (t *Tracker) refreshOnce(ctx context.Context) (*types.PortfolioSnapshot, error) {
	t.mu.Lock()
	minInterval := t.cfg.MinRefreshInterval
	if t.backoff > minInterval {
		minInterval = t.backoff
	}
	if !t.lastRefreshStart.IsZero() && t.now().Sub(t.lastRefreshStart) < minInterval && t.published.Load() != nil {
		t.mu.Unlock()
		return t.published.Load(), nil
	}
	t.lastRefreshStart = t.now()
	t.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(ctx, t.cfg.WatchdogTimeout)
	defer cancel()

	start := t.now()
	cand, err := t.doRefresh(refreshCtx)

	t.mu.Lock()
	t.lastRefreshDuration = t.now().Sub(start)
	t.mu.Unlock()

	if err != nil {
		if refreshCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("watchdog timeout after %s: %w", t.cfg.WatchdogTimeout, err)
		}
		return t.handleFailure(err), err
	}
	return t.handleSuccess(cand), nil
}

// doRefresh builds and validates one candidate snapshot. It never mutates
// published state; that happens in handleSuccess.
func (t *Tracker) doRefresh(ctx context.Context) (*types.PortfolioSnapshot, error) {
	t.gammaC.ResetMetrics()
	t.enricher.ResetMetrics()

	address := t.resolver.HoldingAddress(ctx)
	if address == "" {
		return nil, fmt.Errorf("no holding address resolvable")
	}

	raw, err := t.data.GetPositions(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	t.mu.Lock()
	prevGoodRaw := 0
	if t.lastGood != nil {
		prevGoodRaw = t.lastGood.Raw.RawTotal
	}
	lastAddress := t.lastAddress
	bootstrap := t.bootstrap
	recovery := t.recovery
	t.mu.Unlock()

	if newAddr, switched := t.resolver.ReportFetch(ctx, len(raw), prevGoodRaw); switched {
		address = newAddr
		raw, err = t.data.GetPositions(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("fetch positions after address switch: %w", err)
		}
	}
	addressChanged := lastAddress != "" && address != lastAddress

	skipCount := make(map[types.SkipReason]int)
	norms := make([]types.NormalizedPosition, 0, len(raw))
	rawCounts := types.RawCounts{RawTotal: len(raw)}
	for i := range raw {
		norm, skip := raw[i].Normalize()
		if skip != "" {
			skipCount[skip]++
			continue
		}
		if norm.Redeemable {
			rawCounts.RawRedeemableCandidates++
		} else {
			rawCounts.RawActiveCandidates++
		}
		norms = append(norms, norm)
	}

	t.prefetchOutcomes(ctx, norms)

	entryMeta, err := t.entry.Resolve(ctx, address)
	if err != nil {
		t.logger.Warn("entry meta unavailable this cycle", "error", err)
	}

	positions, err := t.enrichAll(ctx, norms, entryMeta, skipCount)
	if err != nil {
		return nil, err
	}

	cand := t.assemble(address, positions, rawCounts, skipCount)

	result := t.validator.Validate(cand, t.lastGoodSnapshot(), bootstrap, recovery, addressChanged)
	if !result.Accepted() {
		if result.ForceReprobe {
			t.resolver.ForceReprobe()
		}
		if result.ClearOutcomes {
			t.outcomes.Clear()
			t.endTimes.Clear()
		}
		return nil, &RejectionError{Reason: result.Reason}
	}
	if result.MarkUnknown {
		markUnknown(cand.Active)
		markUnknown(cand.Redeemable)
		recount(cand)
	}

	return cand, nil
}

// prefetchOutcomes fills the outcome cache for every token the cache does
// not currently honor. Gamma failures are non-fatal: affected positions
// stay ACTIVE with untrusted P&L.
func (t *Tracker) prefetchOutcomes(ctx context.Context, norms []types.NormalizedPosition) {
	seen := make(map[string]bool, len(norms))
	var missing []string
	hits := 0
	for _, n := range norms {
		if seen[n.TokenID] {
			continue
		}
		seen[n.TokenID] = true
		if _, ok := t.outcomes.Get(n.TokenID); ok {
			hits++
		} else {
			missing = append(missing, n.TokenID)
		}
	}

	if len(missing) > 0 {
		entries, err := t.gammaC.FetchOutcomes(ctx, missing)
		if err != nil {
			t.logger.Warn("outcome fetch incomplete", "missing", len(missing), "resolved", len(entries), "error", err)
		}
		for token, entry := range entries {
			t.outcomes.Set(token, entry)
			if !entry.EndTime.IsZero() {
				t.endTimes.Set(token, entry.EndTime)
			}
		}
	}

	t.mu.Lock()
	t.outcomeHits = hits
	t.outcomeMisses = len(missing)
	t.tokensFetched = len(missing)
	t.mu.Unlock()
}

// enrichAll runs the enricher over norms in bounded parallel batches with a
// pause between batches, preserving input order in the result.
func (t *Tracker) enrichAll(ctx context.Context, norms []types.NormalizedPosition, entryMeta map[string]types.EntryMeta, skipCount map[types.SkipReason]int) ([]types.Position, error) {
	type slot struct {
		pos  types.Position
		skip types.SkipReason
	}
	results := make([]slot, len(norms))

	batch := t.cfg.EnrichBatchSize
	if batch <= 0 {
		batch = 5
	}

	for start := 0; start < len(norms); start += batch {
		end := start + batch
		if end > len(norms) {
			end = len(norms)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				var meta *types.EntryMeta
				if m, ok := entryMeta[norms[i].TokenID]; ok {
					metaCopy := m
					meta = &metaCopy
				}
				pos, skip := t.enricher.Enrich(gctx, norms[i], meta)
				results[i] = slot{pos: pos, skip: skip}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if end < len(norms) && t.cfg.EnrichBatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.cfg.EnrichBatchPause):
			}
		}
	}

	out := make([]types.Position, 0, len(norms))
	for i := range results {
		if results[i].skip != "" {
			skipCount[results[i].skip]++
			continue
		}
		pos := results[i].pos
		if pos.MarketEndTime == nil {
			if endTime, ok := t.endTimes.Get(pos.TokenID); ok {
				et := endTime
				pos.MarketEndTime = &et
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

// assemble splits positions into lists, computes the summary, and stamps
// the candidate. Cycle ID is assigned at publish time, not here.
func (t *Tracker) assemble(address string, positions []types.Position, raw types.RawCounts, skipCount map[types.SkipReason]int) *types.PortfolioSnapshot {
	cand := &types.PortfolioSnapshot{
		AddressUsed: address,
		FetchedAt:   t.now(),
		Raw:         raw,
		SkipCount:   skipCount,
	}

	for i := range positions {
		pos := positions[i]
		if pos.State == types.StateRedeemable && pos.Proof == types.ProofNone {
			// Should be unreachable; demote rather than publish a
			// proof-less redeemable.
			t.logger.Error("redeemable position without proof, demoting to active",
				"token_id", pos.TokenID,
				"condition_id", pos.MarketID,
			)
			pos.State = types.StateActive
		}
		if pos.State == types.StateRedeemable {
			cand.Redeemable = append(cand.Redeemable, pos)
		} else {
			cand.Active = append(cand.Active, pos)
		}
	}

	recount(cand)
	return cand
}

// recount recomputes the summary from the position lists.
func recount(s *types.PortfolioSnapshot) {
	sum := types.Summary{
		ActiveTotal:     len(s.Active),
		RedeemableTotal: len(s.Redeemable),
	}
	for i := range s.Active {
		switch s.Active[i].PnLClass {
		case types.ClassProfitable:
			sum.Profitable++
		case types.ClassLosing:
			sum.Losing++
		case types.ClassNeutral:
			sum.Neutral++
		default:
			sum.Unknown++
		}
	}
	s.Summary = sum
}

func markUnknown(positions []types.Position) {
	for i := range positions {
		positions[i].PnLTrusted = false
		positions[i].PnLClass = types.ClassUnknown
		positions[i].Untrusted = types.UntrustedNoPriceSource
	}
}

// handleSuccess publishes the accepted candidate and refreshes bookkeeping.
func (t *Tracker) handleSuccess(cand *types.PortfolioSnapshot) *types.PortfolioSnapshot {
	t.mu.Lock()

	t.consecutiveFailures = 0
	t.backoff = 0
	t.degradedSince = time.Time{}
	t.bootstrap = false

	t.cycle++
	cand.CycleID = t.cycle
	t.lastGood = cand
	t.lastAddress = cand.AddressUsed

	if t.recovery {
		t.recoveryCycles++
		if len(cand.Active) > 0 || t.recoveryCycles >= t.cfg.RecoveryMaxCycles {
			t.recovery = false
			t.recoveryCycles = 0
			t.logger.Info("recovery mode exited", "active", len(cand.Active))
		}
	}

	now := t.now()
	tokens := make([]string, 0, len(cand.Active)+len(cand.Redeemable))
	for _, p := range cand.Active {
		t.tokenSeen[p.TokenID] = now
		tokens = append(tokens, p.TokenID)
	}
	for _, p := range cand.Redeemable {
		t.tokenSeen[p.TokenID] = now
		tokens = append(tokens, p.TokenID)
	}
	t.gcLocked(now)
	t.mu.Unlock()

	t.published.Store(cand)

	if t.feed != nil {
		t.feed.SetTokens(tokens)
	}

	t.logger.Info("snapshot published",
		"cycle", cand.CycleID,
		"address", cand.AddressUsed,
		"active", len(cand.Active),
		"redeemable", len(cand.Redeemable),
		"raw_total", cand.Raw.RawTotal,
	)
	return cand
}

// gcLocked drops per-token bookkeeping for tokens unseen for two refresh
// intervals. Caller holds t.mu.
func (t *Tracker) gcLocked(now time.Time) {
	horizon := 2 * t.cfg.RefreshInterval
	for token, seen := range t.tokenSeen {
		if now.Sub(seen) <= horizon {
			continue
		}
		delete(t.tokenSeen, token)
		t.outcomes.Delete(token)
		t.books.Invalidate(token)
		t.endTimes.Delete(token)
		t.brk.RecordSuccess(token)
	}
}

// handleFailure escalates per the self-heal policy and serves a stale copy
// of the last good snapshot when one exists.
func (t *Tracker) handleFailure(refreshErr error) *types.PortfolioSnapshot {
	t.mu.Lock()

	t.consecutiveFailures++
	if t.degradedSince.IsZero() {
		t.degradedSince = t.now()
	}

	// A recommended reset replaces backoff: retry immediately after it.
	// The reset paths deliberately skip the stale re-publish below — the
	// previously published view (already stale-marked by the preceding
	// failures) stays in service for the moment it takes the retry to run,
	// and a fresh cycle follows right behind it.
	switch t.selfHealLevelLocked() {
	case healHard:
		t.hardResetLocked()
		t.mu.Unlock()
		return t.published.Load()
	case healSoft:
		t.softResetLocked()
		t.backoff = 0
		t.mu.Unlock()
		return t.published.Load()
	}

	shift := t.consecutiveFailures - 1
	if shift > 16 {
		shift = 16
	}
	t.backoff = t.cfg.BaseBackoff << shift
	if t.backoff > t.cfg.MaxBackoff {
		t.backoff = t.cfg.MaxBackoff
	}

	if t.lastGood == nil {
		// Nothing to fall back to: rebuild from scratch.
		t.hardResetLocked()
		t.mu.Unlock()
		return nil
	}

	stale := t.lastGood.Clone()
	t.cycle++
	stale.CycleID = t.cycle
	stale.Stale = true
	stale.StaleAge = t.now().Sub(t.lastGood.FetchedAt)
	stale.StaleReason = refreshErr.Error()

	if stale.StaleAge >= t.cfg.MaxStaleAge {
		// Auto-recovery: the stale view is too old to keep serving as if
		// it were merely delayed.
		t.softResetLocked()
		t.lastGood = nil
		t.backoff = 0
	}
	t.mu.Unlock()

	t.published.Store(stale)
	t.logger.Warn("serving stale snapshot",
		"cycle", stale.CycleID,
		"stale_age", stale.StaleAge,
		"reason", stale.StaleReason,
	)
	return stale
}

type healLevel int

const (
	healNone healLevel = iota
	healSoft
	healHard
)

// selfHealLevelLocked recommends a reset level. Caller holds t.mu.
func (t *Tracker) selfHealLevelLocked() healLevel {
	if !t.degradedSince.IsZero() && t.now().Sub(t.degradedSince) >= t.cfg.HardResetDegradedAfter {
		return healHard
	}
	staleAge := time.Duration(0)
	if t.lastGood != nil {
		staleAge = t.now().Sub(t.lastGood.FetchedAt)
	}
	if t.consecutiveFailures >= t.cfg.SoftResetFailures || (t.lastGood != nil && staleAge >= t.cfg.MaxStaleAge) {
		return healSoft
	}
	return healNone
}

// softResetLocked clears transient caches and enters recovery mode.
// Caller holds t.mu.
func (t *Tracker) softResetLocked() {
	t.books.InvalidateAll()
	t.outcomes.ExpireActive()
	t.dedup.Reset()
	t.resolver.ResetProbe()

	t.consecutiveFailures = 0
	t.backoff = 0
	t.bootstrap = true
	t.recovery = true
	t.recoveryCycles = 0
	t.softResets++
	t.lastResetAt = t.now()

	t.logger.Warn("soft reset", "total_soft_resets", t.softResets)
}

// hardResetLocked additionally clears every mapping cache and the pinned
// address, and drops the last good snapshot so the next one is accepted
// fresh. Caller holds t.mu.
func (t *Tracker) hardResetLocked() {
	t.softResetLocked()

	t.outcomes.Clear()
	t.endTimes.Clear()
	t.brk.Reset()
	t.entry.Invalidate()
	t.resolver.Invalidate()
	t.lastGood = nil
	t.degradedSince = time.Time{}
	t.hardResets++

	t.logger.Warn("hard reset", "total_hard_resets", t.hardResets)
}

// lastGoodSnapshot returns the last good snapshot under the lock.
func (t *Tracker) lastGoodSnapshot() *types.PortfolioSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastGood
}

// consumeInvalidations drops order-book cache entries for tokens whose book
// moved according to the market feed.
func (t *Tracker) consumeInvalidations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case token := <-t.feed.Invalidations():
			t.books.Invalidate(token)
		}
	}
}

// logHealth emits the periodic heartbeat.
func (t *Tracker) logHealth() {
	t.mu.Lock()
	defer t.mu.Unlock()

	age := time.Duration(0)
	if snap := t.published.Load(); snap != nil {
		age = t.now().Sub(snap.FetchedAt)
	}
	t.logger.Info("health",
		"cycle", t.cycle,
		"snapshot_age", age,
		"consecutive_failures", t.consecutiveFailures,
		"backoff", t.backoff,
		"recovery", t.recovery,
		"soft_resets", t.softResets,
		"hard_resets", t.hardResets,
	)
}
