package pipeline

import "time"

// backoff computes exponential delays for in-run transient retries:
// base, 2*base, 4*base, ... capped at Cap. Pure so tests can table it.
type backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
