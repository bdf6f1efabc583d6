package server

import "testing"

func TestRecentErrorsRingBufferOrderAndBound(t *testing.T) {
	r := newRecentErrors(2)
	r.add("first")
	r.add("second")
	r.add("third")

	got := r.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(got))
	}
	if got[0] != "third" || got[1] != "second" {
		t.Fatalf("expected newest-first order, got %v", got)
	}
}

func TestRecentErrorsSnapshotIsDefensiveCopy(t *testing.T) {
	r := newRecentErrors(5)
	r.add("only")
	snap := r.snapshot()
	snap[0] = "mutated"

	if got := r.snapshot(); got[0] != "only" {
		t.Fatalf("mutating a snapshot should not affect internal state, got %v", got)
	}
}
