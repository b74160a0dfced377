package session

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_DelayNonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Base: 300 * time.Millisecond, Max: 45 * time.Second, Multiplier: 1.7}

	prev := time.Duration(0)
	for i := 0; i < 200; i++ {
		d := b.Delay(i)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", i, d, i-1, prev)
		}
		if d > b.Max {
			t.Fatalf("Delay(%d) = %v exceeds max %v", i, d, b.Max)
		}
		prev = d
	}
	if prev != b.Max {
		t.Errorf("Delay settles at %v, want %v", prev, b.Max)
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != DefaultBaseDelay {
		t.Errorf("Delay(0) = %v, want %v", got, DefaultBaseDelay)
	}
	if got := b.Delay(1); got != 2*DefaultBaseDelay {
		t.Errorf("Delay(1) = %v, want %v", got, 2*DefaultBaseDelay)
	}
	if b.Exhausted(1000) {
		t.Error("zero MaxAttempts must mean unlimited")
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	for attempt, want := range []bool{false, false, false, true, true} {
		if got := b.Exhausted(attempt); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", attempt, got, want)
		}
	}
}
