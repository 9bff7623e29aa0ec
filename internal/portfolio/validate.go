// validate.go is the gate between a candidate snapshot and publication.
//
// A transient upstream glitch must never wipe the last known-good view, so
// each candidate is compared against the previous accepted snapshot and
// rejected when it looks like a collapse rather than a real portfolio
// change. Rejection keeps the stale last-good snapshot in service.
package portfolio

import (
	"log/slog"

	"polymarket-portfolio/pkg/types"
)

// Validation thresholds. Ratios are expressed as integer comparisons to
// avoid float edge cases on small portfolios.
const (
	fetchRegressionFactor = 5 // new < prev/5  (i.e. below 20%)
	shrinkFactor          = 4 // new ≤ prev/4  (i.e. at or below 25%)
	shrinkMinPrev         = 20
	wipeoutMinPrevActive  = 10
	minimalAcceptRawTotal = 5
)

// ValidationResult reports the verdict and any corrective actions the
// refresh controller must take before the next cycle.
type ValidationResult struct {
	Reason        types.RejectReason // empty means accepted
	MarkUnknown   bool               // accepted, but P&L must be downgraded to UNKNOWN
	ForceReprobe  bool               // re-run the address probe next cycle
	ClearOutcomes bool               // drop outcome caches next cycle
}

// Accepted reports whether the candidate may be published.
func (r ValidationResult) Accepted() bool { return r.Reason == "" }

// Validator applies the rejection rules against the last good snapshot.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("component", "validator")}
}

// Validate runs the five rejection rules. prev is the last good snapshot
// (nil when none exists). bootstrap is the one-shot flag set by a soft
// reset; recovery is the post-reset recovery window.
func (v *Validator) Validate(cand *types.PortfolioSnapshot, prev *types.PortfolioSnapshot, bootstrap, recovery, addressChanged bool) ValidationResult {
	// The index returned live candidates but enrichment produced no active
	// positions at all.
	if cand.Raw.RawTotal > 0 && cand.Raw.RawActiveCandidates > 0 && len(cand.Active) == 0 {
		totalSkips := 0
		allBookFailures := true
		for reason, n := range cand.SkipCount {
			totalSkips += n
			if !reason.IsBookFailure() {
				allBookFailures = false
			}
		}

		switch {
		case bootstrap, recovery:
			v.logger.Warn("active collapse accepted: recovery in progress",
				"raw_total", cand.Raw.RawTotal,
				"bootstrap", bootstrap,
			)
		case cand.Raw.RawTotal <= minimalAcceptRawTotal && totalSkips == 0:
			// Small portfolio, nothing concretely skipped: plausibly real.
		case totalSkips > 0 && allBookFailures:
			v.logger.Warn("active collapse accepted: every skip is a book failure",
				"raw_total", cand.Raw.RawTotal,
				"skips", totalSkips,
			)
			return ValidationResult{MarkUnknown: true}
		default:
			return v.reject(cand, prev, types.RejectActiveCollapse, false)
		}
	}

	// The more specific rules run first: an address flip or a large-portfolio
	// shrink would also trip the generic regression rule, but their reasons
	// carry the corrective actions.
	if prev != nil {
		// An address switch that lost everything is a wrong switch, not an
		// empty wallet.
		if addressChanged && len(cand.Active) == 0 && len(cand.Redeemable) == 0 &&
			len(prev.Active)+len(prev.Redeemable) > 0 {
			return v.reject(cand, prev, types.RejectAddressFlip, false)
		}

		// A large portfolio shrank to a quarter or less.
		if prev.Raw.RawTotal >= shrinkMinPrev && cand.Raw.RawTotal*shrinkFactor <= prev.Raw.RawTotal {
			return v.reject(cand, prev, types.RejectSuspiciousShrink, true)
		}

		// Many active positions vanished while the index still returned
		// entries.
		if len(prev.Active) >= wipeoutMinPrevActive && len(cand.Active) == 0 && cand.Raw.RawTotal > 0 {
			return v.reject(cand, prev, types.RejectActiveWipeout, true)
		}

		// The index shed more than 80% of its entries.
		if !recovery && prev.Raw.RawTotal > 0 && cand.Raw.RawTotal*fetchRegressionFactor < prev.Raw.RawTotal {
			return v.reject(cand, prev, types.RejectFetchRegression, false)
		}
	}

	return ValidationResult{}
}

func (v *Validator) reject(cand, prev *types.PortfolioSnapshot, reason types.RejectReason, corrective bool) ValidationResult {
	prevRaw, prevActive := 0, 0
	if prev != nil {
		prevRaw = prev.Raw.RawTotal
		prevActive = len(prev.Active)
	}
	v.logger.Error("snapshot rejected",
		"reason", string(reason),
		"raw_total", cand.Raw.RawTotal,
		"active", len(cand.Active),
		"prev_raw_total", prevRaw,
		"prev_active", prevActive,
	)
	return ValidationResult{
		Reason:        reason,
		ForceReprobe:  corrective,
		ClearOutcomes: corrective,
	}
}
