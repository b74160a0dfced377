package optimistic

import (
	"math"
	"testing"
	"time"
)

func TestReconcile(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dispatched := Pending{
		Key:       Key{EntityID: "fan.bedroom", Attribute: "percentage"},
		Predicted: 40,
		IssuedAt:  t0,
		Deadline:  t0.Add(2 * time.Second),
		Tolerance: 2,
	}
	inFlight := dispatched
	inFlight.Deadline = time.Time{}
	low := dispatched
	low.Predicted = 1
	off := dispatched
	off.Predicted = 0

	tests := []struct {
		name string
		p    Pending
		auth float64
		ok   bool
		now  time.Time
		want Decision
	}{
		{"exact match", dispatched, 40, true, t0.Add(time.Second), Confirm},
		{"within tolerance above", dispatched, 42, true, t0.Add(time.Second), Confirm},
		{"within tolerance below", dispatched, 38, true, t0.Add(time.Second), Confirm},
		{"outside tolerance", dispatched, 42.5, true, t0.Add(time.Second), Keep},
		{"stale hub value", dispatched, 10, true, t0.Add(1999 * time.Millisecond), Keep},
		{"no hub value", dispatched, 0, false, t0.Add(time.Second), Keep},
		{"deadline reached", dispatched, 10, true, t0.Add(2 * time.Second), Expire},
		{"deadline beats match", dispatched, 40, true, t0.Add(3 * time.Second), Expire},
		{"in flight never expires", inFlight, 10, true, t0.Add(time.Hour), Keep},
		{"in flight confirms", inFlight, 41, true, t0.Add(time.Hour), Confirm},
		{"off does not confirm a low level", low, 0, true, t0.Add(time.Second), Keep},
		{"low level confirms", low, 1.18, true, t0.Add(time.Second), Confirm},
		{"level does not confirm off", off, 1, true, t0.Add(time.Second), Keep},
		{"off confirms off", off, 0, true, t0.Add(time.Second), Confirm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reconcile(tt.p, tt.auth, tt.ok, tt.now); got != tt.want {
				t.Errorf("Reconcile() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnap(t *testing.T) {
	tests := []struct {
		v, step, want float64
	}{
		{42, 5, 40},
		{43, 5, 45},
		{42.5, 5, 45},
		{33, 33.333333, 33.333333},
		{67, 1, 67},
		{67.4, 1, 67},
		{120, 5, 100},
		{-3, 5, 0},
		{55, 0, 55},
		{math.NaN(), 5, 0},
	}
	for _, tt := range tests {
		if got := Snap(tt.v, tt.step); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Snap(%v, %v) = %v, want %v", tt.v, tt.step, got, tt.want)
		}
	}
}
