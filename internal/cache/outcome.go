package cache

import (
	"time"

	"polymarket-portfolio/pkg/types"
)

// OutcomeCache stores per-token market resolution status. Two entry classes
// exist: resolved entries (winner known) are honored indefinitely — a
// resolved market never un-resolves — while active entries are only honored
// within the TTL so a freshly-resolved market is noticed promptly.
type OutcomeCache struct {
	fifo *FIFO[types.OutcomeEntry]
	ttl  time.Duration

	now func() time.Time // test hook
}

// NewOutcomeCache creates an outcome cache with the given cap and
// active-entry TTL.
func NewOutcomeCache(max int, ttl time.Duration) *OutcomeCache {
	return &OutcomeCache{
		fifo: NewFIFO[types.OutcomeEntry](max),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns the cached entry for token if it is still honored.
func (c *OutcomeCache) Get(token string) (types.OutcomeEntry, bool) {
	e, ok := c.fifo.Get(token)
	if !ok {
		return types.OutcomeEntry{}, false
	}
	if e.Resolved {
		return e, true
	}
	if c.now().Sub(e.LastChecked) >= c.ttl {
		return types.OutcomeEntry{}, false
	}
	return e, true
}

// Set stores the entry for token. Resolved entries get ResolvedAt stamped on
// first observation.
func (c *OutcomeCache) Set(token string, e types.OutcomeEntry) {
	if e.LastChecked.IsZero() {
		e.LastChecked = c.now()
	}
	if e.Resolved && e.ResolvedAt.IsZero() {
		e.ResolvedAt = c.now()
	}
	c.fifo.Set(token, e)
}

// Delete removes the entry for token.
func (c *OutcomeCache) Delete(token string) {
	c.fifo.Delete(token)
}

// ExpireActive forces every non-resolved entry to be treated as expired on
// the next Get. Used by the soft reset: resolved outcomes are facts, active
// ones are suspicions.
func (c *OutcomeCache) ExpireActive() {
	var stale []string
	c.fifo.Range(func(key string, e types.OutcomeEntry) bool {
		if !e.Resolved {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		c.fifo.Delete(key)
	}
}

// Clear drops everything, resolved entries included. Hard reset only.
func (c *OutcomeCache) Clear() {
	c.fifo.Clear()
}

// Len returns the number of cached entries.
func (c *OutcomeCache) Len() int {
	return c.fifo.Len()
}
