package portfolio

import (
	"io"
	"log/slog"
	"testing"

	"polymarket-portfolio/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func snapWith(rawTotal, rawActive, active, redeemable int, skips map[types.SkipReason]int) *types.PortfolioSnapshot {
	s := &types.PortfolioSnapshot{
		Raw: types.RawCounts{
			RawTotal:            rawTotal,
			RawActiveCandidates: rawActive,
		},
		SkipCount: skips,
	}
	for i := 0; i < active; i++ {
		s.Active = append(s.Active, types.Position{TokenID: "a"})
	}
	for i := 0; i < redeemable; i++ {
		s.Redeemable = append(s.Redeemable, types.Position{TokenID: "r", State: types.StateRedeemable})
	}
	return s
}

func TestValidateRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		cand           *types.PortfolioSnapshot
		prev           *types.PortfolioSnapshot
		bootstrap      bool
		recovery       bool
		addressChanged bool
		wantReason     types.RejectReason
		wantUnknown    bool
		wantCorrective bool
	}{
		{
			name:       "healthy snapshot accepted",
			cand:       snapWith(10, 8, 8, 2, nil),
			prev:       snapWith(10, 8, 8, 2, nil),
			wantReason: "",
		},
		{
			name:       "active collapse rejected",
			cand:       snapWith(10, 10, 0, 0, map[types.SkipReason]int{types.SkipMissingSide: 10}),
			wantReason: types.RejectActiveCollapse,
		},
		{
			name:       "active collapse bypassed by bootstrap",
			cand:       snapWith(10, 10, 0, 0, map[types.SkipReason]int{types.SkipMissingSide: 10}),
			bootstrap:  true,
			wantReason: "",
		},
		{
			name:       "active collapse bypassed in recovery",
			cand:       snapWith(10, 10, 0, 0, map[types.SkipReason]int{types.SkipMissingSide: 10}),
			recovery:   true,
			wantReason: "",
		},
		{
			name:       "minimal acceptance for tiny portfolio",
			cand:       snapWith(3, 3, 0, 0, nil),
			wantReason: "",
		},
		{
			name:        "all-book-failure collapse accepted with unknown pnl",
			cand:        snapWith(10, 10, 0, 0, map[types.SkipReason]int{types.SkipBook404: 6, types.SkipPricingFetchFailed: 4}),
			wantReason:  "",
			wantUnknown: true,
		},
		{
			name:       "fetch regression rejected",
			cand:       snapWith(2, 2, 2, 0, nil),
			prev:       snapWith(15, 12, 8, 3, nil),
			wantReason: types.RejectFetchRegression,
		},
		{
			name:       "fetch regression skipped in recovery",
			cand:       snapWith(2, 2, 2, 0, nil),
			prev:       snapWith(15, 12, 8, 3, nil),
			recovery:   true,
			wantReason: "",
		},
		{
			name:           "address flip collapse rejected",
			cand:           snapWith(0, 0, 0, 0, nil),
			prev:           snapWith(10, 8, 8, 2, nil),
			addressChanged: true,
			wantReason:     types.RejectAddressFlip,
		},
		{
			// Matches both the shrink and regression predicates; the more
			// specific shrink rule must win.
			name:           "suspicious shrink rejected with corrective actions",
			cand:           snapWith(5, 5, 5, 0, nil),
			prev:           snapWith(50, 40, 40, 10, nil),
			wantReason:     types.RejectSuspiciousShrink,
			wantCorrective: true,
		},
		{
			name:           "active wipeout rejected with corrective actions",
			cand:           snapWith(12, 0, 0, 12, nil),
			prev:           snapWith(14, 12, 12, 2, nil),
			wantReason:     types.RejectActiveWipeout,
			wantCorrective: true,
		},
		{
			name:       "shrink below threshold accepted",
			cand:       snapWith(15, 12, 12, 3, nil),
			prev:       snapWith(20, 16, 16, 4, nil),
			wantReason: "",
		},
	}

	v := NewValidator(testLogger())
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := v.Validate(tt.cand, tt.prev, tt.bootstrap, tt.recovery, tt.addressChanged)
			if res.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", res.Reason, tt.wantReason)
			}
			if res.MarkUnknown != tt.wantUnknown {
				t.Errorf("MarkUnknown = %v, want %v", res.MarkUnknown, tt.wantUnknown)
			}
			if res.ForceReprobe != tt.wantCorrective || res.ClearOutcomes != tt.wantCorrective {
				t.Errorf("corrective = (%v, %v), want %v", res.ForceReprobe, res.ClearOutcomes, tt.wantCorrective)
			}
		})
	}
}
