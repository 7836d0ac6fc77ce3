// Package backoff provides the retry delay strategies applied between failed
// job attempts. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// maxShift bounds the exponent so that 2^n never overflows a time.Duration.
const maxShift = 32

// Strategy computes the delay before the next delivery of a failed job.
type Strategy interface {
	// Delay returns the wait after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant waits the same interval after every failure.
type Constant struct {
	Interval time.Duration
}

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear waits Initial*attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capAt(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential doubles the delay on each attempt: Initial*2^(attempt-1),
// capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	return capAt(exponential(e.Initial, attempt), e.Max)
}

// ExponentialWithJitter draws a random delay in [Initial, ceiling] where the
// ceiling grows like Exponential. The floor keeps retries of a burst of
// failures from landing at once on a recovering dependency.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	ceiling := capAt(exponential(e.Initial, attempt), e.Max)
	if ceiling <= e.Initial {
		return ceiling
	}
	spread := float64(ceiling - e.Initial)
	return e.Initial + time.Duration(rand.Float64()*spread) //nolint:gosec // jitter does not need crypto rand
}

// Default is the strategy used when a queue policy does not name one.
func Default() Strategy {
	return ExponentialWithJitter{Initial: time.Second, Max: time.Minute}
}

// Parse builds a strategy from its configuration name. Accepted kinds are
// "constant", "linear", "exponential" and "jitter".
func Parse(kind string, initial, maxDelay time.Duration) (Strategy, error) {
	if initial < 0 || maxDelay < 0 {
		return nil, fmt.Errorf("backoff durations must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "constant":
		return Constant{Interval: initial}, nil
	case "linear":
		return Linear{Initial: initial, Max: maxDelay}, nil
	case "exponential", "exp":
		return Exponential{Initial: initial, Max: maxDelay}, nil
	case "jitter", "exponential_jitter":
		return ExponentialWithJitter{Initial: initial, Max: maxDelay}, nil
	case "":
		return Default(), nil
	default:
		return nil, fmt.Errorf("unknown backoff kind %q", kind)
	}
}

func exponential(initial time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	d := float64(initial) * math.Pow(2, float64(shift))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func capAt(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
