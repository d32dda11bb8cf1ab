package retry

import (
	"math"
	"time"
)

// DefaultMaxDuration bounds a retry sequence of the default policy.
const DefaultMaxDuration = 4 * time.Minute

// Decision is the outcome of a policy query.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether another connection attempt is allowed.
//
// attempt is the number of failed attempts in the current sequence,
// including the failure that started it (so it is at least 1). elapsed is
// the time since that first failure. Implementations must be safe for
// concurrent use and must not block.
type Policy interface {
	ShouldRetry(attempt int, elapsed time.Duration) Decision
}

// NoRetry never retries.
type NoRetry struct{}

// ShouldRetry always declines.
func (NoRetry) ShouldRetry(int, time.Duration) Decision { return Decision{} }

// ExponentialBackoff retries with exponentially growing delays.
type ExponentialBackoff struct {
	// MaxAttempts is the total number of connection attempts allowed in one
	// sequence, counting the one that failed first. 0 means unlimited.
	MaxAttempts int

	// MaxDuration bounds the time since the first failure. 0 means unlimited.
	MaxDuration time.Duration

	BaseDelay time.Duration
	// MaxDelay caps every delay, jitter included.
	MaxDelay   time.Duration
	Multiplier float64

	// FirstFastRetry makes the first retry immediate.
	FirstFastRetry bool

	// Jitter perturbs every non-zero delay. Nil means no jitter.
	Jitter Jitter
}

// DefaultExponentialBackoff returns the policy used when none is configured.
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		MaxDuration:    DefaultMaxDuration,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultMultiplier,
		FirstFastRetry: true,
		Jitter:         NewProportionalJitter(DefaultJitterFactor, nil),
	}
}

// ShouldRetry implements Policy.
func (p *ExponentialBackoff) ShouldRetry(attempt int, elapsed time.Duration) Decision {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return Decision{}
	}
	if p.MaxDuration > 0 && elapsed >= p.MaxDuration {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Delay returns the wait before retry number attempt.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	step := attempt - 1
	if p.FirstFastRetry {
		if attempt <= 1 {
			return 0
		}
		step = attempt - 2
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = DefaultMultiplier
	}

	d := float64(base) * math.Pow(mult, float64(step))
	delay := limit
	if d < float64(limit) {
		delay = time.Duration(d)
	}
	if p.Jitter != nil {
		delay = min(p.Jitter.Apply(delay), limit)
	}
	return delay
}

// State is the retry bookkeeping of one connection. It is not safe for
// concurrent use; the owner serializes access.
type State struct {
	attempts     int
	firstFailure time.Time
}

// Record registers a failed attempt at now and returns the new count.
func (s *State) Record(now time.Time) int {
	if s.attempts == 0 {
		s.firstFailure = now
	}
	s.attempts++
	return s.attempts
}

// Reset clears the state after a successful connection.
func (s *State) Reset() {
	s.attempts = 0
	s.firstFailure = time.Time{}
}

// Attempts returns the failed attempts since the last reset.
func (s *State) Attempts() int { return s.attempts }

// Elapsed returns the time since the first recorded failure.
func (s *State) Elapsed(now time.Time) time.Duration {
	if s.attempts == 0 {
		return 0
	}
	return now.Sub(s.firstFailure)
}

// Decide records a failure and consults p.
func (s *State) Decide(p Policy, now time.Time) Decision {
	attempt := s.Record(now)
	return p.ShouldRetry(attempt, s.Elapsed(now))
}
