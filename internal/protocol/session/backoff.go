package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnect attempt N (1-based). A nil rng with
// Jitter enabled uses the midpoint of the jitter window.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || c.InitialDelay <= 0 {
		return max(c.InitialDelay, 0)
	}
	mult := math.Max(c.Multiplier, 1.0)
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
