// Package credpool tracks a rotating set of interchangeable credentials for
// one upstream provider, with independent rate-limit cooldown per credential.
package credpool

import (
	"fmt"
	"sync"
	"time"
)

// Credential is the selection result handed to callers: the slot identity
// plus the secret to authenticate the next attempt with.
type Credential struct {
	// ID identifies the slot for ReportSuccess / ReportFailure calls.
	ID string

	// Key is the secret (API key) bound to this slot.
	Key string
}

// slot holds the mutable per-credential state. Mutations are simple field
// updates guarded by the pool mutex; no invariant spans two slots.
type slot struct {
	id                string
	key               string
	lastUsedAt        time.Time
	consecutiveErrors int
	penalized         bool
	penalizedUntil    time.Time
}

// Pool selects credentials in round-robin order among those not currently
// penalized, lazily clearing expired penalties as it scans.
//
// The pool is an explicitly constructed component owned by the process and
// injected into the resilient client; it is never an implicit singleton.
// Safe for concurrent use from multiple in-flight requests.
type Pool struct {
	mu    sync.Mutex
	slots []*slot
	next  int
	now   func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source. Used by tests to control penalty expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool from a static list of API keys. Slot IDs are assigned
// positionally ("cred-0", "cred-1", ...).
func New(keys []string, opts ...Option) *Pool {
	p := &Pool{now: time.Now}
	for i, key := range keys {
		p.slots = append(p.slots, &slot{
			id:  fmt.Sprintf("cred-%d", i),
			key: key,
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the total number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Select returns the next usable credential.
//
// Selection never fails for a non-empty pool: it walks round-robin from the
// cursor, clearing any penalty whose window has expired, and returns the
// first non-penalized slot. If every slot is penalized it returns the one
// with the earliest penalty expiry (soonest to recover) so callers always
// have something to attempt; downstream retry logic absorbs the resulting
// failure. Returns a zero Credential only when the pool is empty.
func (p *Pool) Select() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return Credential{}
	}

	now := p.now()

	for i := 0; i < len(p.slots); i++ {
		s := p.slots[(p.next+i)%len(p.slots)]
		if s.penalized && !now.Before(s.penalizedUntil) {
			s.penalized = false
			s.penalizedUntil = time.Time{}
		}
		if !s.penalized {
			p.next = (p.next + i + 1) % len(p.slots)
			s.lastUsedAt = now
			return Credential{ID: s.id, Key: s.key}
		}
	}

	// Total exhaustion: hand out the soonest-to-recover slot.
	best := p.slots[0]
	for _, s := range p.slots[1:] {
		if s.penalizedUntil.Before(best.penalizedUntil) {
			best = s
		}
	}
	best.lastUsedAt = now
	return Credential{ID: best.id, Key: best.key}
}

// ReportFailure penalizes a credential for the given duration and increments
// its consecutive error counter. Unknown IDs are ignored.
func (p *Pool) ReportFailure(id string, penalty time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.find(id)
	if s == nil {
		return
	}
	s.consecutiveErrors++
	s.penalized = true
	s.penalizedUntil = p.now().Add(penalty)
}

// ReportSuccess clears penalty state and resets the error counter for a
// credential. Unknown IDs are ignored.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.find(id)
	if s == nil {
		return
	}
	s.consecutiveErrors = 0
	s.penalized = false
	s.penalizedUntil = time.Time{}
}

// AvailableCount returns the number of credentials not currently penalized,
// recomputing penalty expiry lazily.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for _, s := range p.slots {
		if s.penalized && !now.Before(s.penalizedUntil) {
			s.penalized = false
			s.penalizedUntil = time.Time{}
		}
		if !s.penalized {
			count++
		}
	}
	return count
}

// ConsecutiveErrors returns the error counter for a credential, for
// observability. Returns 0 for unknown IDs.
func (p *Pool) ConsecutiveErrors(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.find(id); s != nil {
		return s.consecutiveErrors
	}
	return 0
}

// find locates a slot by ID. Caller must hold the mutex.
func (p *Pool) find(id string) *slot {
	for _, s := range p.slots {
		if s.id == id {
			return s
		}
	}
	return nil
}
