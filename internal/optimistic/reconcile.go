package optimistic

import (
	"math"
	"time"
)

// Decision is the outcome of reconciling a pending write.
type Decision int

const (
	// Keep holds the predicted value.
	Keep Decision = iota
	// Confirm clears the pending write because the hub agrees with it.
	Confirm
	// Expire clears the pending write because its window ran out.
	Expire
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Confirm:
		return "confirm"
	case Expire:
		return "expire"
	default:
		return "unknown"
	}
}

// Key identifies one optimistic value.
type Key struct {
	EntityID  string
	Attribute string
}

func (k Key) String() string {
	return k.EntityID + "/" + k.Attribute
}

// Pending is a write whose effect has not been confirmed yet.
// Deadline is zero while the command is still being dispatched.
type Pending struct {
	Key
	Predicted float64
	IssuedAt  time.Time
	Deadline  time.Time
	Tolerance float64
}

// InFlight reports whether the command has not completed yet.
func (p Pending) InFlight() bool {
	return p.Deadline.IsZero()
}

// Reconcile decides what happens to p given the hub's current value.
// ok is false when the hub has no usable value for the attribute.
// Zero reads as off: it only confirms a prediction of zero, and a
// prediction of zero is only confirmed by zero.
func Reconcile(p Pending, authoritative float64, ok bool, now time.Time) Decision {
	if !p.Deadline.IsZero() && !now.Before(p.Deadline) {
		return Expire
	}
	if !ok || (authoritative == 0) != (p.Predicted == 0) {
		return Keep
	}
	if math.Abs(authoritative-p.Predicted) <= p.Tolerance {
		return Confirm
	}
	return Keep
}

// Snap rounds v to the nearest multiple of step and clamps it to 0-100.
// A non-positive step only clamps.
func Snap(v, step float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if step > 0 {
		v = math.Round(v/step) * step
	}
	return math.Max(0, math.Min(100, v))
}
