package transport

import (
	"math"
	"math/rand"
	"time"
)

// Delay is the pause before dial attempt n+1 after n failures. Jitter scales it into [0.5, 1.5).
func (b BackoffConfig) Delay(failures int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if failures < 1 {
		failures = 1
	}
	growth := math.Max(b.Multiplier, 1)
	delay := float64(b.InitialDelay) * math.Pow(growth, float64(failures-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}
