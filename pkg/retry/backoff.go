package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Defaults of the exponential backoff curve.
const (
	// DefaultBaseDelay is the first non-immediate retry delay.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay caps a single delay.
	DefaultMaxDelay = 10 * time.Second

	// DefaultMultiplier is the factor by which the delay grows per attempt.
	DefaultMultiplier = 2.0

	// DefaultJitterFactor is the maximum jitter as a fraction of the delay.
	DefaultJitterFactor = 0.2
)

// Backoff paces a loop that owns its own retries, such as the HTTPS
// receive poller. Policies are stateless and work from the attempt number
// instead.
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	current  time.Duration // pre-jitter
	attempts int
}

// BackoffConfig parameterizes a Backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     Jitter
}

// NewBackoff creates a backoff calculator. Zero fields take the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBaseDelay
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter == nil {
		cfg.Jitter = NoJitter{}
	}

	return &Backoff{cfg: cfg, current: cfg.Initial}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.cfg.Jitter.Apply(b.current)
	b.attempts++
	b.current = min(time.Duration(float64(b.current)*b.cfg.Multiplier), b.cfg.Max)
	return d
}

// Reset starts over from the initial delay, typically after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current, b.attempts = b.cfg.Initial, 0
	b.mu.Unlock()
}

// Attempts returns how many delays Next has handed out since Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next delay before jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Jitter perturbs a computed delay.
type Jitter interface {
	Apply(d time.Duration) time.Duration
}

// NoJitter returns delays unchanged.
type NoJitter struct{}

// Apply returns d.
func (NoJitter) Apply(d time.Duration) time.Duration { return d }

// ProportionalJitter spreads a delay uniformly over
// [d*(1-Factor), d*(1+Factor)].
type ProportionalJitter struct {
	factor float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProportionalJitter creates a jitter strategy. A nil source seeds from
// the clock; tests pass a fixed source for reproducible delays.
func NewProportionalJitter(factor float64, src rand.Source) *ProportionalJitter {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &ProportionalJitter{factor: factor, rng: rand.New(src)}
}

// Apply returns d scaled by a random factor in [1-Factor, 1+Factor].
func (j *ProportionalJitter) Apply(d time.Duration) time.Duration {
	if j.factor == 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	r := j.rng.Float64()
	j.mu.Unlock()
	return time.Duration(float64(d) * (1 - j.factor + 2*j.factor*r))
}
