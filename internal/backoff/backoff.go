// Package backoff provides exponential backoff with jitter for
// reconnect and re-registration loops.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff yields exponentially growing delays with ±20% jitter. Jitter
// prevents thundering herd when many clients lose the same upstream at
// once. The zero value is not usable; call New.
type Backoff struct {
	attempt int
	base    time.Duration
	max     time.Duration
}

// New creates a backoff starting at base and capped at max.
func New(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

// Attempt returns how many times Next has been called since the last
// Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) current() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.max {
			d = b.max
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.base
	}
	return d
}
