package cache

import (
	"time"

	"polymarket-portfolio/pkg/types"
)

// BookCache holds recent top-of-book quotes per token. The TTL is short
// (2 s by default): a quote is only good for pricing within the refresh
// that fetched it, plus whatever a concurrent caller can reuse.
type BookCache struct {
	fifo *FIFO[types.BookQuote]
	ttl  time.Duration

	now func() time.Time // test hook
}

// NewBookCache creates a book cache with the given cap and freshness window.
func NewBookCache(max int, ttl time.Duration) *BookCache {
	return &BookCache{
		fifo: NewFIFO[types.BookQuote](max),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns the cached quote for token if it is still fresh.
func (c *BookCache) Get(token string) (types.BookQuote, bool) {
	q, ok := c.fifo.Get(token)
	if !ok {
		return types.BookQuote{}, false
	}
	if c.now().Sub(q.FetchedAt) >= c.ttl {
		return types.BookQuote{}, false
	}
	return q, true
}

// Set stores the quote for token.
func (c *BookCache) Set(token string, q types.BookQuote) {
	if q.FetchedAt.IsZero() {
		q.FetchedAt = c.now()
	}
	c.fifo.Set(token, q)
}

// Invalidate drops the quote for a single token. Driven by WS price_change
// events so the next refresh refetches a moved book.
func (c *BookCache) Invalidate(token string) {
	c.fifo.Delete(token)
}

// InvalidateAll drops every quote.
func (c *BookCache) InvalidateAll() {
	c.fifo.Clear()
}

// Len returns the number of cached quotes.
func (c *BookCache) Len() int {
	return c.fifo.Len()
}
