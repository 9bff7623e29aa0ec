package gamma

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(url string, batch int) *Client {
	return NewClient(config.APIConfig{GammaBaseURL: url, Timeout: 2 * time.Second}, batch, testLogger())
}

func market(tokens []string, outcomes []string, prices []string, mutate func(*types.GammaMarket)) types.GammaMarket {
	toks, _ := json.Marshal(tokens)
	outs, _ := json.Marshal(outcomes)
	prcs, _ := json.Marshal(prices)
	m := types.GammaMarket{
		ClobTokenIDsA: string(toks),
		Outcomes:      string(outs),
		OutcomePrices: string(prcs),
	}
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func TestResolveWinner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		market       types.GammaMarket
		wantWinner   string
		wantResolved bool
	}{
		{
			name: "definitive price on closed market",
			market: market([]string{"ty", "tn"}, []string{"Yes", "No"}, []string{"0.999", "0.001"}, func(m *types.GammaMarket) {
				m.Closed = true
			}),
			wantWinner:   "Yes",
			wantResolved: true,
		},
		{
			name: "explicit winner field",
			market: market([]string{"ty", "tn"}, []string{"Yes", "No"}, []string{"0.6", "0.4"}, func(m *types.GammaMarket) {
				m.ResolvedOutcomeB = "No"
			}),
			wantWinner:   "No",
			wantResolved: true,
		},
		{
			name: "token winner flag",
			market: market([]string{"ty", "tn"}, []string{"Yes", "No"}, nil, func(m *types.GammaMarket) {
				m.Tokens = []types.GammaToken{{Outcome: "Yes", Winner: true, TokenID: "ty"}}
			}),
			wantWinner:   "Yes",
			wantResolved: true,
		},
		{
			name: "resolved flag with majority price",
			market: market([]string{"ty", "tn"}, []string{"Yes", "No"}, []string{"0.8", "0.2"}, func(m *types.GammaMarket) {
				m.Resolved = true
			}),
			wantWinner:   "Yes",
			wantResolved: true,
		},
		{
			name:         "open market",
			market:       market([]string{"ty", "tn"}, []string{"Yes", "No"}, []string{"0.6", "0.4"}, nil),
			wantWinner:   "",
			wantResolved: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			winner, resolved := resolveWinner(&tt.market, tt.market.OutcomeNames(), tt.market.Prices())
			if winner != tt.wantWinner || resolved != tt.wantResolved {
				t.Errorf("got (%q, %v), want (%q, %v)", winner, resolved, tt.wantWinner, tt.wantResolved)
			}
		})
	}
}

func TestDeriveEntriesMapsTokens(t *testing.T) {
	t.Parallel()

	m := market([]string{"ty", "tn"}, []string{"Yes", "No"}, []string{"0.999", "0.001"}, func(m *types.GammaMarket) {
		m.Closed = true
		m.EnableOrderBook = true
		m.EndDateA = "2026-01-15T00:00:00Z"
	})

	entries := deriveEntries([]types.GammaMarket{m}, []string{"ty", "tn"})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	ty := entries["ty"]
	if !ty.Resolved || ty.Winner != "Yes" || ty.WinnerPrice != 0.999 {
		t.Errorf("ty entry = %+v", ty)
	}
	if !ty.HasBook || !ty.Closed || ty.EndTime.IsZero() {
		t.Errorf("ty flags = %+v", ty)
	}
	if tn := entries["tn"]; tn.WinnerPrice != 0.001 {
		t.Errorf("tn winner price = %v", tn.WinnerPrice)
	}
}

func TestDeriveEntriesIgnoresUnwantedTokens(t *testing.T) {
	t.Parallel()

	m := market([]string{"ty", "tn"}, []string{"Yes", "No"}, nil, nil)
	entries := deriveEntries([]types.GammaMarket{m}, []string{"ty"})
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if _, ok := entries["tn"]; ok {
		t.Error("tn was not requested and must not appear")
	}
}

func TestFetchOutcomesBatches(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		ids := strings.Split(r.URL.Query().Get("clob_token_ids"), ",")
		markets := make([]types.GammaMarket, 0, len(ids))
		for _, id := range ids {
			markets = append(markets, market([]string{id}, []string{"Yes"}, nil, nil))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(markets)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 2)
	tokens := []string{"a", "b", "c", "d", "e"}
	out, err := c.FetchOutcomes(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Errorf("entries = %d, want 5", len(out))
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (batches of 2)", got)
	}
	if c.Requests() != 3 {
		t.Errorf("metric = %d, want 3", c.Requests())
	}
}

func TestFetchOutcomesFallsBackToSingles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("clob_token_ids"), ",")
		if len(ids) > 1 {
			// Batch requests fail; singles succeed.
			http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
			return
		}
		if ids[0] == "bad" {
			http.Error(w, "unknown", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.GammaMarket{market(ids, []string{"Yes"}, nil, nil)})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 25)
	out, err := c.FetchOutcomes(context.Background(), []string{"a", "bad", "b"})
	if err != nil {
		t.Fatalf("single-token 404s must be non-fatal, got %v", err)
	}
	if len(out) != 2 {
		t.Errorf("entries = %d, want 2 (bad token skipped)", len(out))
	}
	if _, ok := out["bad"]; ok {
		t.Error("unknown token must be absent from the result")
	}
}
