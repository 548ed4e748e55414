package wsconn

import (
	"testing"
	"time"
)

func TestFixedInterval(t *testing.T) {
	s := FixedInterval(3 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := s.Next(attempt); got != 3*time.Second {
			t.Fatalf("attempt %d: got %s", attempt, got)
		}
	}
}

func TestBoundedBackoffDoublesAndCaps(t *testing.T) {
	b := BoundedBackoff{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Next(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestBoundedBackoffJitterStaysInRange(t *testing.T) {
	b := BoundedBackoff{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		got := b.Next(5)
		if got < 200*time.Millisecond || got > 400*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
}
