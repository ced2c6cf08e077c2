package connlimit

import "testing"

func TestAllowRejectsAtTotalCeiling(t *testing.T) {
	l := New(1, 0)
	if !l.Allow("1.1.1.1") {
		t.Fatal("expected first connection to be allowed")
	}
	l.Track("1.1.1.1")
	if l.Allow("2.2.2.2") {
		t.Fatal("expected second connection to be rejected at total ceiling")
	}
}

func TestAllowRejectsAtPerIPCeiling(t *testing.T) {
	l := New(0, 1)
	l.Track("1.1.1.1")
	if l.Allow("1.1.1.1") {
		t.Fatal("expected same-IP connection to be rejected at per-IP ceiling")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("expected a different IP to still be allowed")
	}
}

func TestUntrackFreesSlot(t *testing.T) {
	l := New(1, 0)
	l.Track("1.1.1.1")
	l.Untrack("1.1.1.1")
	if !l.Allow("2.2.2.2") {
		t.Fatal("expected slot to be freed after untrack")
	}
	if l.Total() != 0 {
		t.Fatalf("expected total 0 after untrack, got %d", l.Total())
	}
}

func TestZeroCeilingsAreUnlimited(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		l.Track("1.1.1.1")
	}
	if !l.Allow("1.1.1.1") {
		t.Fatal("expected unlimited ceilings to always allow")
	}
}
