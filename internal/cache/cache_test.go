package cache

import (
	"fmt"
	"testing"
	"time"

	"polymarket-portfolio/pkg/types"
)

func TestFIFOEvictsOldestInsertion(t *testing.T) {
	t.Parallel()

	f := NewFIFO[int](3)
	for i := 0; i < 4; i++ {
		f.Set(fmt.Sprintf("k%d", i), i)
	}

	if f.Len() != 3 {
		t.Fatalf("len = %d, want 3", f.Len())
	}
	if _, ok := f.Get("k0"); ok {
		t.Error("oldest entry should be evicted")
	}
	if v, ok := f.Get("k3"); !ok || v != 3 {
		t.Error("newest entry missing")
	}
}

func TestFIFOReplaceKeepsSlot(t *testing.T) {
	t.Parallel()

	f := NewFIFO[int](2)
	f.Set("a", 1)
	f.Set("b", 2)
	f.Set("a", 10) // replace, not re-insert
	f.Set("c", 3)  // evicts "a" (still oldest), not "b"

	if _, ok := f.Get("a"); ok {
		t.Error("replaced entry should keep its insertion slot and be evicted first")
	}
	if _, ok := f.Get("b"); !ok {
		t.Error("b should survive")
	}
}

func TestOutcomeCacheResolvedNeverExpires(t *testing.T) {
	t.Parallel()

	c := NewOutcomeCache(10, 30*time.Second)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("tok", types.OutcomeEntry{Resolved: true, Winner: "Yes"})

	base = base.Add(24 * time.Hour)
	e, ok := c.Get("tok")
	if !ok || e.Winner != "Yes" {
		t.Fatal("resolved entry should be honored indefinitely")
	}
	if e.ResolvedAt.IsZero() {
		t.Error("ResolvedAt should be stamped on first observation")
	}
}

func TestOutcomeCacheActiveExpires(t *testing.T) {
	t.Parallel()

	c := NewOutcomeCache(10, 30*time.Second)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("tok", types.OutcomeEntry{Resolved: false, Closed: false})

	base = base.Add(29 * time.Second)
	if _, ok := c.Get("tok"); !ok {
		t.Fatal("active entry within TTL should be honored")
	}

	base = base.Add(2 * time.Second)
	if _, ok := c.Get("tok"); ok {
		t.Fatal("active entry past TTL should be expired")
	}
}

func TestOutcomeCacheExpireActiveKeepsResolved(t *testing.T) {
	t.Parallel()

	c := NewOutcomeCache(10, time.Hour)
	c.Set("resolved", types.OutcomeEntry{Resolved: true, Winner: "No"})
	c.Set("active", types.OutcomeEntry{Resolved: false})

	c.ExpireActive()

	if _, ok := c.Get("resolved"); !ok {
		t.Error("resolved entry must survive a soft reset")
	}
	if _, ok := c.Get("active"); ok {
		t.Error("active entry must be dropped by a soft reset")
	}
}

func TestBookCacheTTL(t *testing.T) {
	t.Parallel()

	c := NewBookCache(10, 2*time.Second)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("tok", types.BookQuote{BestBid: 0.7, BestAsk: 0.72, Status: types.BookAvailable})

	if q, ok := c.Get("tok"); !ok || q.BestBid != 0.7 {
		t.Fatal("fresh quote should be honored")
	}

	base = base.Add(3 * time.Second)
	if _, ok := c.Get("tok"); ok {
		t.Fatal("quote past TTL should be expired")
	}
}

func TestBookCacheInvalidate(t *testing.T) {
	t.Parallel()

	c := NewBookCache(10, time.Hour)
	c.Set("a", types.BookQuote{BestBid: 0.1})
	c.Set("b", types.BookQuote{BestBid: 0.2})

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("invalidated quote should be gone")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("other quotes should survive")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("len after InvalidateAll = %d", c.Len())
	}
}
