// address.go resolves which address actually holds the trader's positions.
//
// Polymarket positions live either on the EOA or on its proxy wallet, and
// the profile endpoint that maps one to the other is occasionally wrong or
// slow to update. The resolver therefore makes a choice and sticks with it:
// once an address is selected it is not switched for the sticky window
// unless the evidence is strong (repeated zero-position fetches, or a probe
// showing the alternate address holds 3x more).
package portfolio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-portfolio/internal/dataapi"
	"polymarket-portfolio/internal/logdedup"
)

const (
	proxyCacheTTL       = 5 * time.Minute
	addressChangeLogTTL = 5 * time.Minute

	// Switch only when the alternate address holds at least this multiple
	// of the current address's position count.
	probeSwitchFactor = 3

	// Consecutive zero-position fetches before the sticky window is waived.
	zeroStreakLimit = 2
)

// AddressResolver picks and pins the holding address for position fetches.
type AddressResolver struct {
	data   *dataapi.Client
	eoa    string
	sticky time.Duration
	dedup  *logdedup.Deduper
	logger *slog.Logger

	mu             sync.Mutex
	current        string
	chosenAt       time.Time
	proxyWallet    string
	proxyFetchedAt time.Time
	zeroStreak     int
	probedOnce     bool
	forceProbe     bool

	now func() time.Time // test hook
}

// NewAddressResolver creates a resolver for the given EOA.
func NewAddressResolver(data *dataapi.Client, eoa string, sticky time.Duration, dedup *logdedup.Deduper, logger *slog.Logger) *AddressResolver {
	return &AddressResolver{
		data:   data,
		eoa:    strings.ToLower(eoa),
		sticky: sticky,
		dedup:  dedup,
		logger: logger.With("component", "address"),
		now:    time.Now,
	}
}

// HoldingAddress returns the address to fetch positions for. The proxy
// wallet is preferred when known; failures to refresh the proxy mapping fall
// back to the last choice (or the EOA when none exists yet).
func (r *AddressResolver) HoldingAddress(ctx context.Context) string {
	r.mu.Lock()
	proxyFresh := r.now().Sub(r.proxyFetchedAt) < proxyCacheTTL && !r.proxyFetchedAt.IsZero()
	r.mu.Unlock()

	if !proxyFresh {
		proxy, err := r.data.GetProxyWallet(ctx, r.eoa)
		if err != nil {
			r.logger.Warn("proxy wallet lookup failed", "error", err)
		} else {
			r.mu.Lock()
			r.proxyWallet = strings.ToLower(proxy)
			r.proxyFetchedAt = r.now()
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == "" {
		r.current = r.preferredLocked()
		r.chosenAt = r.now()
		r.logger.Info("holding address selected", "address", r.current, "proxy", r.proxyWallet != "")
	}
	return r.current
}

// preferredLocked returns proxy-if-known, else the EOA.
func (r *AddressResolver) preferredLocked() string {
	if r.proxyWallet != "" {
		return r.proxyWallet
	}
	return r.eoa
}

// alternateLocked returns the non-current candidate, or "" when there is none.
func (r *AddressResolver) alternateLocked() string {
	if r.proxyWallet == "" || r.proxyWallet == r.eoa {
		return ""
	}
	if r.current == r.proxyWallet {
		return r.eoa
	}
	return r.proxyWallet
}

// ReportFetch feeds back the result of a positions fetch so the resolver can
// decide whether to probe the alternate address or switch. prevGoodRaw is
// the raw position count of the last accepted snapshot (0 when none).
// Returns the address to use going forward and whether it changed.
func (r *AddressResolver) ReportFetch(ctx context.Context, rawCount, prevGoodRaw int) (string, bool) {
	r.mu.Lock()

	if rawCount == 0 {
		r.zeroStreak++
	} else {
		r.zeroStreak = 0
	}

	suspiciouslyLow := rawCount <= 2 && !r.probedOnce
	regression := prevGoodRaw >= 20 && rawCount*4 < prevGoodRaw
	shouldProbe := r.forceProbe || suspiciouslyLow || regression
	alternate := r.alternateLocked()
	current := r.current
	zeroStreak := r.zeroStreak
	r.mu.Unlock()

	if !shouldProbe || alternate == "" {
		return current, false
	}

	curCount, altCount, err := r.probe(ctx, current, alternate)
	if err != nil {
		r.logger.Warn("address probe failed", "error", err)
		return current, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.probedOnce = true
	r.forceProbe = false

	withinSticky := r.now().Sub(r.chosenAt) < r.sticky
	zeroEvidence := zeroStreak >= zeroStreakLimit && altCount > 0
	ratioEvidence := altCount >= probeSwitchFactor*curCount && altCount > 0

	if withinSticky && !zeroEvidence && !ratioEvidence {
		return r.current, false
	}
	if !zeroEvidence && !ratioEvidence && altCount <= curCount {
		return r.current, false
	}

	old := r.current
	r.current = alternate
	r.chosenAt = r.now()
	r.zeroStreak = 0

	if r.dedup.ShouldLog("address_change", addressChangeLogTTL, r.current) {
		r.logger.Warn("holding address switched",
			"from", old,
			"to", r.current,
			"current_count", curCount,
			"alternate_count", altCount,
		)
	}
	return r.current, true
}

// probe fetches position counts for both addresses in parallel.
func (r *AddressResolver) probe(ctx context.Context, current, alternate string) (curCount, altCount int, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		positions, err := r.data.GetPositions(ctx, current)
		if err != nil {
			return err
		}
		curCount = len(positions)
		return nil
	})
	g.Go(func() error {
		positions, err := r.data.GetPositions(ctx, alternate)
		if err != nil {
			return err
		}
		altCount = len(positions)
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return curCount, altCount, nil
}

// ForceReprobe requests a probe on the next ReportFetch regardless of
// counts. Used by the snapshot validator's corrective actions.
func (r *AddressResolver) ForceReprobe() {
	r.mu.Lock()
	r.forceProbe = true
	r.mu.Unlock()
}

// ResetProbe clears the once-per-lifetime probe marker. Soft reset.
func (r *AddressResolver) ResetProbe() {
	r.mu.Lock()
	r.probedOnce = false
	r.mu.Unlock()
}

// Invalidate drops the cached proxy mapping, the sticky choice, and all
// probe state. Hard reset only.
func (r *AddressResolver) Invalidate() {
	r.mu.Lock()
	r.current = ""
	r.chosenAt = time.Time{}
	r.proxyWallet = ""
	r.proxyFetchedAt = time.Time{}
	r.zeroStreak = 0
	r.probedOnce = false
	r.forceProbe = false
	r.mu.Unlock()
}

// Current returns the pinned address without triggering any lookups.
func (r *AddressResolver) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
