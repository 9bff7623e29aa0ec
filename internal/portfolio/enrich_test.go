package portfolio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polymarket-portfolio/internal/breaker"
	"polymarket-portfolio/internal/cache"
	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/exchange"
	"polymarket-portfolio/internal/logdedup"
	"polymarket-portfolio/pkg/types"
)

// clobStub serves /book and /price for the enricher tests. Empty bookJSON
// means 404 for that token; priceJSON empty means the fallback 404s too.
type clobStub struct {
	bookJSON  string
	priceJSON string
}

func (s *clobStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/book":
		if s.bookJSON == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		io.WriteString(w, s.bookJSON)
	case "/price":
		if s.priceJSON == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		io.WriteString(w, s.priceJSON)
	default:
		http.NotFound(w, r)
	}
}

func newTestEnricher(t *testing.T, stub *clobStub) (*Enricher, *cache.OutcomeCache) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	clob := exchange.NewClient(config.APIConfig{CLOBBaseURL: srv.URL, Timeout: 2 * time.Second}, testLogger())
	outcomes := cache.NewOutcomeCache(100, time.Minute)
	books := cache.NewBookCache(100, time.Second)
	brk := breaker.New(testLogger())
	return NewEnricher(clob, books, outcomes, brk, nil, logdedup.New(0), testLogger()), outcomes
}

func fptr(v float64) *float64 { return &v }

func normPos(mutate func(*types.NormalizedPosition)) types.NormalizedPosition {
	n := types.NormalizedPosition{
		TokenID:     "T1",
		ConditionID: "M1",
		Size:        10,
		EntryPrice:  0.60,
		Side:        "Yes",
	}
	if mutate != nil {
		mutate(&n)
	}
	return n
}

const goodBook = `{"bids":[{"price":"0.74","size":"100"}],"asks":[{"price":"0.76","size":"100"}]}`

func TestEnrichDataAPIPnL(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	pos, skip := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.CurPrice = fptr(0.75)
		n.PercentPnL = fptr(25)
		n.CashPnL = fptr(1.5)
	}), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.PnLSource != types.SourceDataAPI || pos.PnLPct != 25 || pos.PnLUSD != 1.5 {
		t.Errorf("pnl = %+v", pos)
	}
	if pos.CurrentPrice != 0.75 || !pos.PnLTrusted || pos.PnLClass != types.ClassProfitable {
		t.Errorf("price/trust = %+v", pos)
	}
	if pos.BookStatus != types.BookAvailable || pos.ExecutionStatus != types.ExecTradable || !pos.ExecPriceTrusted {
		t.Errorf("book/exec = %+v", pos)
	}
	if pos.State != types.StateActive {
		t.Errorf("state = %s", pos.State)
	}
	if pos.BestBid == nil || *pos.BestBid != 0.74 {
		t.Errorf("best bid = %v", pos.BestBid)
	}
}

func TestEnrichBook404KeepsDataAPITrust(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{})
	pos, skip := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.CurPrice = fptr(0.75)
		n.PercentPnL = fptr(25)
		n.CashPnL = fptr(1.5)
	}), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.PnLSource != types.SourceDataAPI || !pos.PnLTrusted || pos.PnLClass != types.ClassProfitable {
		t.Errorf("classification must not depend on the book: %+v", pos)
	}
	if pos.BookStatus != types.BookNotFound {
		t.Errorf("book status = %s", pos.BookStatus)
	}
	if pos.ExecutionStatus != types.ExecNotOnCLOB || pos.ExecPriceTrusted {
		t.Errorf("exec = %s trusted=%v", pos.ExecutionStatus, pos.ExecPriceTrusted)
	}
}

func TestEnrichExecutableBookPrice(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	pos, skip := e.Enrich(context.Background(), normPos(nil), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.PnLSource != types.SourceExecutableBook || pos.CurrentPrice != 0.74 {
		t.Errorf("source/price = %s/%v", pos.PnLSource, pos.CurrentPrice)
	}
	if !pos.PnLTrusted || pos.PnLClass != types.ClassProfitable {
		t.Errorf("trust = %+v", pos)
	}
	wantPct := (0.74 - 0.60) / 0.60 * 100
	if diff := pos.PnLPct - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pct = %v, want %v", pos.PnLPct, wantPct)
	}
}

func TestEnrichNoPriceSourceAtAll(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{})
	pos, skip := e.Enrich(context.Background(), normPos(nil), nil)

	if skip != "" {
		t.Fatalf("position must stay in the snapshot, skip = %q", skip)
	}
	if pos.CurrentPrice != 0.60 || pos.PnLSource != types.SourceFallback {
		t.Errorf("price/source = %v/%s", pos.CurrentPrice, pos.PnLSource)
	}
	if pos.PnLTrusted || pos.PnLClass != types.ClassUnknown {
		t.Errorf("must be untrusted UNKNOWN: %+v", pos)
	}
	if pos.Untrusted != types.UntrustedNoPriceSource {
		t.Errorf("untrusted reason = %s", pos.Untrusted)
	}
	if pos.State != types.StateActive {
		t.Errorf("state = %s", pos.State)
	}
}

func TestEnrichFallbackMid(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{priceJSON: `{"price":"0.65"}`})
	pos, skip := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.CurrentValue = fptr(6.5)
	}), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.PnLSource != types.SourceFallback || pos.CurrentPrice != 0.65 {
		t.Errorf("source/price = %s/%v", pos.PnLSource, pos.CurrentPrice)
	}
	// Fallback mid plus a Data-API currentValue is trusted.
	if !pos.PnLTrusted || pos.PnLClass != types.ClassProfitable {
		t.Errorf("trust = %+v", pos)
	}
}

func TestEnrichFalseRedeemableOverride(t *testing.T) {
	t.Parallel()

	e, outcomes := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	outcomes.Set("T1", types.OutcomeEntry{Resolved: false, HasBook: true})

	pos, skip := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.Redeemable = true
		n.CurPrice = fptr(0.75)
	}), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.State != types.StateActive || pos.Proof != types.ProofNone {
		t.Errorf("false redeemable must be overridden to ACTIVE: state=%s proof=%s", pos.State, pos.Proof)
	}
}

func TestEnrichRedeemableWithKnownSettlement(t *testing.T) {
	t.Parallel()

	e, outcomes := newTestEnricher(t, &clobStub{})
	outcomes.Set("T1", types.OutcomeEntry{Resolved: true, Winner: "Yes", Closed: true})

	pos, skip := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.Redeemable = true
	}), nil)

	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.State != types.StateRedeemable || pos.Proof != types.ProofDataAPIFlag {
		t.Fatalf("state=%s proof=%s", pos.State, pos.Proof)
	}
	if pos.CurrentPrice != 1.0 {
		t.Errorf("winning side must settle at 1.0, got %v", pos.CurrentPrice)
	}
	if !pos.PnLTrusted || pos.PnLClass != types.ClassProfitable {
		t.Errorf("settlement-certain pnl must be trusted: %+v", pos)
	}
	if pos.NearResolution {
		t.Error("redeemable positions are never near-resolution candidates")
	}
}

func TestEnrichRedeemableLosingSide(t *testing.T) {
	t.Parallel()

	e, outcomes := newTestEnricher(t, &clobStub{})
	outcomes.Set("T1", types.OutcomeEntry{Resolved: true, Winner: "No", Closed: true})

	pos, _ := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.Redeemable = true
	}), nil)

	if pos.CurrentPrice != 0.0 || pos.PnLClass != types.ClassLosing {
		t.Errorf("losing side must settle at 0.0: price=%v class=%s", pos.CurrentPrice, pos.PnLClass)
	}
}

func TestEnrichClosedNotRedeemable(t *testing.T) {
	t.Parallel()

	e, outcomes := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	outcomes.Set("T1", types.OutcomeEntry{Resolved: false, Closed: true})

	pos, _ := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
		n.CurPrice = fptr(0.75)
	}), nil)

	if pos.State != types.StateClosedNotRedeemable {
		t.Errorf("state = %s, want CLOSED_NOT_REDEEMABLE", pos.State)
	}
}

func TestEnrichNearResolutionBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{name: "exactly at threshold", price: 0.995, want: true},
		{name: "just below", price: 0.994, want: false},
		{name: "mid price", price: 0.4, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEnricher(t, &clobStub{bookJSON: goodBook})
			pos, _ := e.Enrich(context.Background(), normPos(func(n *types.NormalizedPosition) {
				n.CurPrice = fptr(tt.price)
			}), nil)
			if pos.NearResolution != tt.want {
				t.Errorf("near resolution at %v = %v, want %v", tt.price, pos.NearResolution, tt.want)
			}
		})
	}
}

func TestEnrichCircuitOpenBlocksExecution(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	for i := 0; i < breaker.FailureThreshold; i++ {
		e.brk.RecordFailure("T1", breaker.ErrTimeout, fptr(0.70))
	}

	pos, skip := e.Enrich(context.Background(), normPos(nil), nil)
	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if pos.ExecutionStatus != types.ExecBlocked || pos.ExecPriceTrusted {
		t.Errorf("exec = %s trusted=%v, want EXECUTION_BLOCKED untrusted", pos.ExecutionStatus, pos.ExecPriceTrusted)
	}
	if pos.BookStatus != types.BookNotFetched {
		t.Errorf("book status = %s, want NOT_FETCHED", pos.BookStatus)
	}
	// The last known price masks the outage via the fallback path.
	if pos.CurrentPrice != 0.70 {
		t.Errorf("price = %v, want masked 0.70", pos.CurrentPrice)
	}
}

func TestEnrichEntryMetaAttached(t *testing.T) {
	t.Parallel()

	e, _ := newTestEnricher(t, &clobStub{bookJSON: goodBook})
	meta := &types.EntryMeta{AvgEntryPriceCents: 60, TimeHeld: 3 * time.Hour}
	pos, _ := e.Enrich(context.Background(), normPos(nil), meta)

	if pos.Entry == nil || pos.Entry.AvgEntryPriceCents != 60 {
		t.Errorf("entry meta not attached: %+v", pos.Entry)
	}
}
