package reliability

import (
	"math"
	"math/rand"
	"time"
)

// Backoff maps a retry attempt (the RetryCounter of the failed message) to a redelivery delay.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Schedule is an explicit list of delays. Attempts past the end reuse the last entry.
type Schedule []time.Duration

func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}

// ExponentialBackoff implements exponential backoff
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// LinearBackoff grows the delay by Interval per attempt
type LinearBackoff struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

func NewLinearBackoff(interval, max time.Duration) *LinearBackoff {
	return &LinearBackoff{Interval: interval, MaxInterval: max}
}

func (l *LinearBackoff) Delay(attempt int) time.Duration {
	delay := l.Interval * time.Duration(attempt+1)
	if l.MaxInterval > 0 && delay > l.MaxInterval {
		delay = l.MaxInterval
	}
	return delay
}

// FixedDelay always waits the same time
type FixedDelay time.Duration

func (f FixedDelay) Delay(int) time.Duration {
	return time.Duration(f)
}
