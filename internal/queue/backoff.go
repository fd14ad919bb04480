package queue

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns an exponential delay for attempt, capped at max,
// drawn from [wait/2, wait).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
