package broker

import "time"

// ExpJitter computes base*2^(attempt-1) capped at max and randomizes the
// upper half of it, so the delay never drops below half the capped value.
// attempt >= 1, rnd() in [0,1).
func ExpJitter(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}

	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	half := d / 2
	return half + time.Duration(float64(d-half)*rnd())
}
