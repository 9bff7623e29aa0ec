// queries.go is the read side of the engine. Every accessor works off the
// atomically-published snapshot and returns defensive copies, so callers
// can never mutate the engine's view no matter what they do with the
// returned slices.
package portfolio

import (
	"sort"
	"time"

	"polymarket-portfolio/pkg/types"
)

// Snapshot returns the currently published snapshot (possibly stale), or
// nil when no snapshot has ever been produced.
func (t *Tracker) Snapshot() *types.PortfolioSnapshot {
	return t.published.Load().Clone()
}

// LastGoodSnapshot returns the last snapshot that passed validation, or nil.
func (t *Tracker) LastGoodSnapshot() *types.PortfolioSnapshot {
	return t.lastGoodSnapshot().Clone()
}

// Positions returns every position in the published snapshot, active first.
func (t *Tracker) Positions() []types.Position {
	snap := t.published.Load()
	if snap == nil {
		return nil
	}
	out := types.ClonePositions(snap.Active)
	return append(out, types.ClonePositions(snap.Redeemable)...)
}

// Position looks up a position by market and token ID.
func (t *Tracker) Position(marketID, tokenID string) (types.Position, bool) {
	for _, p := range t.Positions() {
		if p.MarketID == marketID && p.TokenID == tokenID {
			return p, true
		}
	}
	return types.Position{}, false
}

// PositionByToken looks up a position by token ID alone.
func (t *Tracker) PositionByToken(tokenID string) (types.Position, bool) {
	for _, p := range t.Positions() {
		if p.TokenID == tokenID {
			return p, true
		}
	}
	return types.Position{}, false
}

// ActivePositions returns the active list.
func (t *Tracker) ActivePositions() []types.Position {
	snap := t.published.Load()
	if snap == nil {
		return nil
	}
	return types.ClonePositions(snap.Active)
}

// RedeemablePositions returns the redeemable list.
func (t *Tracker) RedeemablePositions() []types.Position {
	snap := t.published.Load()
	if snap == nil {
		return nil
	}
	return types.ClonePositions(snap.Redeemable)
}

// ActiveTrustedProfitable returns active positions with trusted positive P&L.
func (t *Tracker) ActiveTrustedProfitable() []types.Position {
	return t.filterActive(func(p *types.Position) bool {
		return p.PnLTrusted && p.PnLClass == types.ClassProfitable
	})
}

// ActiveTrustedLosing returns active positions with trusted negative P&L.
func (t *Tracker) ActiveTrustedLosing() []types.Position {
	return t.filterActive(func(p *types.Position) bool {
		return p.PnLTrusted && p.PnLClass == types.ClassLosing
	})
}

// LiquidationCandidates returns losing positions held at least minHold
// whose trusted loss meets minLossPct (a positive number of percent),
// sorted worst first.
func (t *Tracker) LiquidationCandidates(minLossPct float64, minHold time.Duration) []types.Position {
	out := t.filterActive(func(p *types.Position) bool {
		return p.PnLTrusted &&
			p.PnLClass == types.ClassLosing &&
			p.PnLPct <= -minLossPct &&
			heldAtLeast(p, minHold)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PnLPct < out[j].PnLPct })
	return out
}

// ProfitLiquidationCandidates returns profitable positions held at least
// minHold, still priced below 0.9 (room before resolution), with trusted
// profit of at least minProfitPct, sorted smallest gain first.
func (t *Tracker) ProfitLiquidationCandidates(minProfitPct float64, minHold time.Duration) []types.Position {
	out := t.filterActive(func(p *types.Position) bool {
		return p.PnLTrusted &&
			p.PnLClass == types.ClassProfitable &&
			p.PnLPct >= minProfitPct &&
			p.CurrentPrice < 0.9 &&
			heldAtLeast(p, minHold)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PnLPct < out[j].PnLPct })
	return out
}

// PositionSummary returns the published summary counts.
func (t *Tracker) PositionSummary() types.Summary {
	snap := t.published.Load()
	if snap == nil {
		return types.Summary{}
	}
	return snap.Summary
}

// RecoveryStatus reports the post-reset recovery window.
func (t *Tracker) RecoveryStatus() types.RecoveryStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.RecoveryStatus{
		InRecovery:       t.recovery,
		CyclesInRecovery: t.recoveryCycles,
		MaxCycles:        t.cfg.RecoveryMaxCycles,
	}
}

// SelfHealStatus reports reset history.
func (t *Tracker) SelfHealStatus() types.SelfHealStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.SelfHealStatus{
		SoftResets:    t.softResets,
		HardResets:    t.hardResets,
		DegradedSince: t.degradedSince,
		LastReset:     t.lastResetAt,
	}
}

// RefreshMetrics reports refresh-loop health counters.
func (t *Tracker) RefreshMetrics() types.RefreshMetrics {
	bookHits, bookMisses := t.enricher.BookCacheStats()

	t.mu.Lock()
	defer t.mu.Unlock()
	return types.RefreshMetrics{
		CycleID:             t.cycle,
		LastRefreshDuration: t.lastRefreshDuration,
		ConsecutiveFailures: t.consecutiveFailures,
		CurrentBackoff:      t.backoff,
		GammaRequests:       t.gammaC.Requests(),
		TokenIDsFetched:     t.tokensFetched,
		OutcomeCacheHits:    t.outcomeHits,
		OutcomeCacheMisses:  t.outcomeMisses,
		BookCacheHits:       bookHits,
		BookCacheMisses:     bookMisses,
	}
}

func (t *Tracker) filterActive(keep func(*types.Position) bool) []types.Position {
	snap := t.published.Load()
	if snap == nil {
		return nil
	}
	var out []types.Position
	for i := range snap.Active {
		if keep(&snap.Active[i]) {
			out = append(out, snap.Active[i])
		}
	}
	return types.ClonePositions(out)
}

func heldAtLeast(p *types.Position, minHold time.Duration) bool {
	if minHold <= 0 {
		return true
	}
	return p.Entry != nil && p.Entry.TimeHeld >= minHold
}
