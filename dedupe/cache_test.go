package dedupe

import (
	"testing"
	"time"
)

func TestObserveSuppressesDuplicates(t *testing.T) {
	c := New(16, time.Minute)

	if !c.Observe("alice@10.0.0.1:m1") {
		t.Fatal("first arrival should be reported as new")
	}
	for i := 0; i < 5; i++ {
		if c.Observe("alice@10.0.0.1:m1") {
			t.Fatalf("replay %d should be suppressed", i)
		}
	}
}

func TestObserveExpiresAfterTTL(t *testing.T) {
	c := New(16, time.Millisecond)
	now := time.Now()
	c.clock = func() time.Time { return now }

	if !c.Observe("fp") {
		t.Fatal("first arrival should be new")
	}

	now = now.Add(10 * time.Millisecond)
	if !c.Observe("fp") {
		t.Fatal("expected fingerprint to be treated as new once its TTL has elapsed")
	}
}

func TestObserveEvictsAtCapacity(t *testing.T) {
	c := New(2, time.Minute)
	c.Observe("a")
	c.Observe("b")
	c.Observe("c") // evicts "a", the LRU entry

	if c.Len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", c.Len())
	}
	if !c.Observe("a") {
		t.Fatal("expected evicted fingerprint to be observed as new again")
	}
}
