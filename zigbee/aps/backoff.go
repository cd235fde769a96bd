package aps

import "time"

// backoff is the retry delay of one fragment: it doubles from initial up
// to max.
type backoff struct {
	initial  time.Duration
	max      time.Duration
	current  time.Duration
	attempts int
}

func newBackoff(initial, max time.Duration) backoff {
	if max < initial {
		max = initial
	}
	return backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay before the next attempt and advances.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.attempts++
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.current = b.initial
	b.attempts = 0
}

func (b *backoff) Attempts() int { return b.attempts }
