package forwarder

import "time"

// Backoff yields exponentially growing delays, doubling from initial up to
// max. Reset returns it to initial.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, ceiling time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &Backoff{initial: initial, max: ceiling, next: initial}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.next < b.max {
		b.next *= 2
		if b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// Reset is called after a successful cycle.
func (b *Backoff) Reset() {
	b.next = b.initial
}
