package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlexFloatUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "number", input: `0.75`, want: 0.75},
		{name: "numeric string", input: `"0.75"`, want: 0.75},
		{name: "integer string", input: `"25"`, want: 25},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage string", input: `"abc"`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f FlexFloat
			err := json.Unmarshal([]byte(tt.input), &f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if !tt.wantErr && float64(f) != tt.want {
				t.Errorf("got %v, want %v", float64(f), tt.want)
			}
		})
	}
}

func TestRawPositionNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      RawPosition
		wantSkip SkipReason
		check    func(t *testing.T, n NormalizedPosition)
	}{
		{
			name: "modern fields",
			raw: RawPosition{
				Asset: "T1", ConditionID: "M1", Size: 10, AvgPrice: 0.6, Outcome: "Yes",
			},
			check: func(t *testing.T, n NormalizedPosition) {
				if n.TokenID != "T1" || n.ConditionID != "M1" || n.Side != "Yes" {
					t.Errorf("unexpected normalization: %+v", n)
				}
				if n.Size != 10 || n.EntryPrice != 0.6 {
					t.Errorf("size/entry wrong: %+v", n)
				}
			},
		},
		{
			name: "legacy aliases",
			raw: RawPosition{
				TokenID: "T2", Market: "M2", Size: 5, InitialAvgPrice: 0.4, Side: "No",
			},
			check: func(t *testing.T, n NormalizedPosition) {
				if n.TokenID != "T2" || n.ConditionID != "M2" || n.Side != "No" || n.EntryPrice != 0.4 {
					t.Errorf("alias fallback failed: %+v", n)
				}
			},
		},
		{
			name: "modern wins over legacy",
			raw: RawPosition{
				Asset: "new", TokenID: "old", ConditionID: "M", Size: 1, AvgPrice: 0.5, Outcome: "Yes",
			},
			check: func(t *testing.T, n NormalizedPosition) {
				if n.TokenID != "new" {
					t.Errorf("expected modern field to win, got %q", n.TokenID)
				}
			},
		},
		{
			name:     "missing token and market",
			raw:      RawPosition{Size: 10, AvgPrice: 0.5, Outcome: "Yes"},
			wantSkip: SkipMissingFields,
		},
		{
			name:     "missing side",
			raw:      RawPosition{Asset: "T", ConditionID: "M", Size: 10, AvgPrice: 0.5},
			wantSkip: SkipMissingSide,
		},
		{
			name:     "zero size",
			raw:      RawPosition{Asset: "T", ConditionID: "M", Size: 0, AvgPrice: 0.5, Outcome: "Yes"},
			wantSkip: SkipInvalidSizePrice,
		},
		{
			name:     "entry price above 1",
			raw:      RawPosition{Asset: "T", ConditionID: "M", Size: 1, AvgPrice: 1.5, Outcome: "Yes"},
			wantSkip: SkipInvalidSizePrice,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, skip := tt.raw.Normalize()
			if skip != tt.wantSkip {
				t.Fatalf("skip = %q, want %q", skip, tt.wantSkip)
			}
			if tt.check != nil {
				tt.check(t, n)
			}
		})
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	t.Parallel()

	bid := 0.7
	entry := &EntryMeta{AvgEntryPriceCents: 60}
	orig := &PortfolioSnapshot{
		CycleID: 3,
		Active: []Position{
			{TokenID: "T1", BestBid: &bid, Entry: entry},
		},
		SkipCount: map[SkipReason]int{SkipNoBook: 2},
	}

	clone := orig.Clone()
	clone.Active[0].TokenID = "mutated"
	*clone.Active[0].BestBid = 0.1
	clone.Active[0].Entry.AvgEntryPriceCents = 99
	clone.SkipCount[SkipNoBook] = 100

	if orig.Active[0].TokenID != "T1" {
		t.Error("clone shares position slice with original")
	}
	if *orig.Active[0].BestBid != 0.7 {
		t.Error("clone shares BestBid pointer with original")
	}
	if orig.Active[0].Entry.AvgEntryPriceCents != 60 {
		t.Error("clone shares Entry pointer with original")
	}
	if orig.SkipCount[SkipNoBook] != 2 {
		t.Error("clone shares skip map with original")
	}
}

func TestGammaMarketAccessors(t *testing.T) {
	t.Parallel()

	m := GammaMarket{
		Outcomes:        `["Yes","No"]`,
		OutcomePrices:   `["0.999","0.001"]`,
		ClobTokenIDsB:   `["tok-yes","tok-no"]`,
		EndDateA:        "2026-03-01T00:00:00Z",
		WinningOutcomeB: "Yes",
	}

	if got := m.OutcomeNames(); len(got) != 2 || got[0] != "Yes" {
		t.Errorf("OutcomeNames = %v", got)
	}
	if got := m.Prices(); len(got) != 2 || got[0] != 0.999 {
		t.Errorf("Prices = %v", got)
	}
	if got := m.TokenIDs(); len(got) != 2 || got[1] != "tok-no" {
		t.Errorf("TokenIDs = %v", got)
	}
	if got := m.ExplicitWinner(); got != "Yes" {
		t.Errorf("ExplicitWinner = %q", got)
	}
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := m.EndTime(); !got.Equal(want) {
		t.Errorf("EndTime = %v, want %v", got, want)
	}
}

func TestSkipReasonIsBookFailure(t *testing.T) {
	t.Parallel()

	bookFailures := []SkipReason{SkipNoBook, SkipBook404, SkipPricingFetchFailed}
	for _, r := range bookFailures {
		if !r.IsBookFailure() {
			t.Errorf("%s should be a book failure", r)
		}
	}
	for _, r := range []SkipReason{SkipMissingFields, SkipInvalidSizePrice, SkipMissingSide, SkipEnrichFailed} {
		if r.IsBookFailure() {
			t.Errorf("%s should not be a book failure", r)
		}
	}
}
