// Package logdedup rate-limits repeated log emissions.
//
// Upstream glitches tend to produce the same warning for hundreds of tokens
// per refresh. Callers gate those logs through ShouldLog, which returns true
// at most once per TTL for a given (key, fingerprint) pair. Changing the
// fingerprint re-arms the key immediately, so a log whose payload actually
// changed still fires.
package logdedup

import (
	"sync"
	"time"
)

const defaultMaxEntries = 1000

type entry struct {
	fingerprint string
	lastLogged  time.Time
}

// Deduper tracks last-emission times per key. Safe for concurrent use.
type Deduper struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string // insertion order for FIFO eviction
	max     int

	now func() time.Time // test hook
}

// New creates a Deduper capped at maxEntries (FIFO evicted). A maxEntries
// of 0 uses the default cap.
func New(maxEntries int) *Deduper {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Deduper{
		entries: make(map[string]entry),
		max:     maxEntries,
		now:     time.Now,
	}
}

// ShouldLog reports whether a log line for key may fire now. It returns true
// iff the (key, fingerprint) pair has not returned true within the last ttl.
// An empty fingerprint dedupes purely on key and cadence.
func (d *Deduper) ShouldLog(key string, ttl time.Duration, fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if e, ok := d.entries[key]; ok {
		if e.fingerprint == fingerprint && now.Sub(e.lastLogged) < ttl {
			return false
		}
		d.entries[key] = entry{fingerprint: fingerprint, lastLogged: now}
		return true
	}

	if len(d.order) >= d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
	d.entries[key] = entry{fingerprint: fingerprint, lastLogged: now}
	d.order = append(d.order, key)
	return true
}

// Reset drops all dedup state. Called by the self-heal soft reset so that
// post-reset diagnostics are not swallowed by pre-reset suppression.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]entry)
	d.order = nil
}

// Len returns the number of tracked keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
