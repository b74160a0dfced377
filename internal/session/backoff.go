package session

import "time"

// Backoff defaults.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 2 * time.Minute
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 10
)

// Backoff is the reconnect delay policy:
// delay(attempt) = min(Base * Multiplier^attempt, Max).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int // consecutive failures before giving up, 0 = unlimited
}

// DefaultBackoff returns the default policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBaseDelay,
		Max:         DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// normalized fills zero fields with defaults.
func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()

	delay := b.Base
	for i := 0; i < attempt; i++ {
		next := time.Duration(float64(delay) * b.Multiplier)
		if next >= b.Max || next <= 0 {
			return b.Max
		}
		delay = next
	}
	return delay
}

// Exhausted reports whether attempt consecutive failures exceed the budget.
func (b Backoff) Exhausted(attempt int) bool {
	b = b.normalized()
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
