// Package breaker implements a per-token circuit breaker for upstream calls.
//
// Each token accumulates failures inside a rolling window; three failures
// within 30 s open the circuit for a 60 s cooldown. While open, callers must
// skip the upstream call, reuse the last known price when one was captured,
// and mark the resulting position's executable price as untrusted. A single
// success closes and clears the entry.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Failure window, open threshold, and cooldown. Matching the upstream's
// observed failure bursts: a token that 404s three times in half a minute
// will keep 404ing for a while.
const (
	FailureWindow    = 30 * time.Second
	FailureThreshold = 3
	Cooldown         = 60 * time.Second
	maxEntries       = 500
)

// ErrorType categorizes the failure that tripped the breaker.
type ErrorType string

const (
	ErrNotFound      ErrorType = "404"
	ErrUnprocessable ErrorType = "422"
	ErrTimeout       ErrorType = "TIMEOUT"
	ErrNetwork       ErrorType = "NETWORK"
	ErrOther         ErrorType = "OTHER"
)

type entry struct {
	firstFailureAt time.Time
	failureCount   int
	openedAt       time.Time // zero while closed
	errorType      ErrorType
	lastKnownPrice *float64
}

// Breaker tracks per-token failure state. Safe for concurrent use.
type Breaker struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string // insertion order for FIFO eviction
	logger  *slog.Logger

	lastOpenLog map[string]time.Time // one open-log per token per cooldown

	now func() time.Time // test hook
}

// New creates a circuit breaker.
func New(logger *slog.Logger) *Breaker {
	return &Breaker{
		entries:     make(map[string]entry),
		lastOpenLog: make(map[string]time.Time),
		logger:      logger.With("component", "breaker"),
		now:         time.Now,
	}
}

// RecordFailure counts a failure for token. lastKnownPrice, when non-nil,
// is retained so callers can mask the outage with the previous value.
func (b *Breaker) RecordFailure(token string, errType ErrorType, lastKnownPrice *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[token]
	if !ok {
		if len(b.order) >= maxEntries {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.entries, oldest)
		}
		b.order = append(b.order, token)
		e = entry{firstFailureAt: now}
	}

	if now.Sub(e.firstFailureAt) > FailureWindow {
		// Window elapsed: earlier failures no longer count.
		e = entry{firstFailureAt: now, lastKnownPrice: e.lastKnownPrice}
	}
	e.failureCount++
	e.errorType = errType
	if lastKnownPrice != nil {
		e.lastKnownPrice = lastKnownPrice
	}

	if e.failureCount >= FailureThreshold && e.openedAt.IsZero() {
		e.openedAt = now
		if last, ok := b.lastOpenLog[token]; !ok || now.Sub(last) >= Cooldown {
			b.lastOpenLog[token] = now
			b.logger.Warn("circuit opened",
				"token", token,
				"failures", e.failureCount,
				"error_type", string(errType),
			)
		}
	}

	b.entries[token] = e
}

// RecordSuccess closes and clears any entry for token.
func (b *Breaker) RecordSuccess(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(token)
}

// IsOpen reports whether calls for token must currently be skipped.
// An expired cooldown deletes the entry: the next failure starts fresh.
func (b *Breaker) IsOpen(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[token]
	if !ok || e.openedAt.IsZero() {
		return false
	}
	if b.now().Sub(e.openedAt) >= Cooldown {
		b.deleteLocked(token)
		return false
	}
	return true
}

// LastKnownPrice returns the price captured before the circuit opened, if any.
func (b *Breaker) LastKnownPrice(token string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[token]
	if !ok || e.lastKnownPrice == nil {
		return 0, false
	}
	return *e.lastKnownPrice, true
}

// Reset clears all breaker state. Hard reset only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]entry)
	b.order = nil
	b.lastOpenLog = make(map[string]time.Time)
}

// Len returns the number of tracked tokens.
func (b *Breaker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Breaker) deleteLocked(token string) {
	if _, ok := b.entries[token]; !ok {
		return
	}
	delete(b.entries, token)
	for i, k := range b.order {
		if k == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
