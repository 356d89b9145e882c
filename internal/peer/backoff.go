package peer

import "time"

// backoff is the dial cooldown: each consecutive failure pushes the next
// allowed dial further out, capped at max; a successful dial resets it.
type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, cur: initial}
}

// Next returns the current delay and grows it for the following failure.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.cur = b.initial
}
