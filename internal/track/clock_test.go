package track

import "testing"

func TestClockFeed_UnsetBeforeFirstObservation(t *testing.T) {
	f := NewClockFeed()
	if _, ok := f.Latest(); ok {
		t.Fatalf("Latest reported ok before any observation")
	}
}

func TestClockFeed_MonotonicObserve(t *testing.T) {
	f := NewClockFeed()
	f.Observe(100)
	f.Observe(98) // out-of-order delivery
	if pos, ok := f.Latest(); !ok || pos != 100 {
		t.Fatalf("Latest = %d,%v, want 100,true", pos, ok)
	}
	f.Observe(101)
	if pos, _ := f.Latest(); pos != 101 {
		t.Fatalf("Latest = %d, want 101", pos)
	}
}

func TestClockFeed_SeedDoesNotRegress(t *testing.T) {
	f := NewClockFeed()
	f.Observe(500)
	f.Seed(400)
	if pos, _ := f.Latest(); pos != 500 {
		t.Fatalf("Latest = %d, want 500 (seed must not regress pushed value)", pos)
	}
}
