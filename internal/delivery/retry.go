package delivery

import (
	"sync"
	"time"
)

// RetryPolicy decides whether a (capsule, target) pair gets another delivery
// attempt this tick. Keys are opaque; the dispatcher builds them.
//
// The default is unbounded: a failed send is retried every tick until it
// lands. Backoff spaces attempts out instead, for deployments where a bad
// address would otherwise hammer the provider every few minutes.
type RetryPolicy interface {
	Allow(key string, now time.Time) bool
	RecordFailure(key string, now time.Time)
	RecordSuccess(key string)
}

type unbounded struct{}

// Unbounded retries on every tick, forever.
func Unbounded() RetryPolicy { return unbounded{} }

func (unbounded) Allow(string, time.Time) bool    { return true }
func (unbounded) RecordFailure(string, time.Time) {}
func (unbounded) RecordSuccess(string)            {}

type backoffEntry struct {
	failures int
	nextAt   time.Time
}

type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	maxWait time.Duration
	state   map[string]backoffEntry
}

// Backoff spaces attempts exponentially: base, 2*base, 4*base ... capped at
// maxWait. State is in memory only; a restart resets to immediate retry,
// which is safe because sends are idempotent per recipient.
func Backoff(base, maxWait time.Duration) RetryPolicy {
	if base <= 0 {
		base = time.Minute
	}
	if maxWait <= 0 {
		maxWait = 24 * time.Hour
	}
	return &backoff{base: base, maxWait: maxWait, state: map[string]backoffEntry{}}
}

func (b *backoff) Allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.state[key]
	if !ok {
		return true
	}
	return !now.Before(e.nextAt)
}

func (b *backoff) RecordFailure(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.state[key]
	e.failures++
	wait := b.base
	for i := 1; i < e.failures; i++ {
		wait *= 2
		if wait >= b.maxWait {
			wait = b.maxWait
			break
		}
	}
	e.nextAt = now.Add(wait)
	b.state[key] = e
}

func (b *backoff) RecordSuccess(key string) {
	b.mu.Lock()
	delete(b.state, key)
	b.mu.Unlock()
}
