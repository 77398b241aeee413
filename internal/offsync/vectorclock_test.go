package offsync

import "testing"

func TestVectorClockOrdering(t *testing.T) {
	a := NewVectorClock()
	a.Increment("device_a")

	b := a.Clone()
	b.Increment("device_b")

	if !a.HappensBefore(b) {
		t.Fatalf("a should happen before b")
	}
	if b.HappensBefore(a) {
		t.Fatalf("b must not happen before a")
	}
	if a.Concurrent(b) {
		t.Fatalf("causally ordered clocks are not concurrent")
	}
}

func TestVectorClockConcurrent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("device_a")
	b := NewVectorClock()
	b.Increment("device_b")

	if !a.Concurrent(b) || !b.Concurrent(a) {
		t.Fatalf("independent increments should be concurrent")
	}
	if a.HappensBefore(b) || b.HappensBefore(a) {
		t.Fatalf("concurrent clocks have no happens-before order")
	}
}

func TestVectorClockEqualNotBefore(t *testing.T) {
	a := NewVectorClock()
	a.Increment("device_a")
	b := a.Clone()
	if a.HappensBefore(b) || b.HappensBefore(a) {
		t.Fatalf("equal clocks must not order before each other")
	}
	if a.Concurrent(b) {
		t.Fatalf("equal clocks are not concurrent")
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := NewVectorClock()
	a.Increment("device_a")
	a.Increment("device_a")
	b := NewVectorClock()
	b.Increment("device_a")
	b.Increment("device_b")

	a.Merge(b)
	if a["device_a"] != 2 || a["device_b"] != 1 {
		t.Fatalf("merge should take per-device maxima, got %v", a)
	}
	if !b.HappensBefore(a) {
		t.Fatalf("merged clock should dominate the folded-in clock")
	}
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("device_a")
	b := a.Clone()
	b.Increment("device_a")
	if a["device_a"] != 1 || b["device_a"] != 2 {
		t.Fatalf("clone must not share storage: a=%v b=%v", a, b)
	}
}
