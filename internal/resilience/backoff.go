package resilience

import (
	"time"
)

// Backoff tracks exponential backoff state for an open-ended loop, such as a
// polling task that must keep running across failures. Not safe for
// concurrent use; each loop owns its own Backoff.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	current time.Duration
}

// NewBackoff returns a Backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		Initial:    initial,
		Max:        max,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// backoff state.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := addJitter(b.current, b.Jitter)
	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return d
}

// Reset returns the backoff to its initial delay. Called after a success.
func (b *Backoff) Reset() {
	b.current = 0
}

// Active reports whether the loop is currently backing off.
func (b *Backoff) Active() bool {
	return b.current != 0
}
