package client

import "time"

// Backoff is the retry state of one message. Attempt counts failed attempts
// so far.
type Backoff struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	Cap         time.Duration
}

// Fail records a failed attempt and returns the delay to wait before the
// next step: min(BaseDelay*2^(n-1), Cap) after failure n. more is false
// once the attempt budget is spent.
func (b *Backoff) Fail() (delay time.Duration, more bool) {
	b.Attempt++
	delay = b.BaseDelay
	for i := 1; i < b.Attempt && delay < b.Cap; i++ {
		delay *= 2
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}
	return delay, b.Attempt < b.MaxAttempts
}
