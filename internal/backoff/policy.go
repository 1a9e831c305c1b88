// Package backoff provides exponential backoff with jitter for retrying
// provider streams and transport calls.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is: base = initial * factor^(attempt-1), jitter = base * jitter * random().
// Returns min(max, base + jitter). Attempt numbers start at 1.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Default returns the policy used where nothing more specific applies.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Provider returns the policy for retrying model provider streams.
// Providers rate-limit aggressively, so delays start higher.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%
func Provider() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
