// Package util provides small helpers shared by the meter packages.
package util

import (
	"sync"
	"time"
)

// Backoff yields exponentially growing delays, doubling from an initial
// delay up to a ceiling. It is safe for concurrent use.
type Backoff struct {
	initial  time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a Backoff starting at initial and capped at maxDelay.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{initial: initial, maxDelay: maxDelay}
}

// Next returns the delay for the upcoming attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.initial
	for range b.attempt {
		if delay >= b.maxDelay {
			break
		}
		delay *= 2
	}
	b.attempt++
	return min(delay, b.maxDelay)
}

// Reset starts the sequence over at the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
