package bitfield

import "testing"

func TestHasSet(t *testing.T) {
	bf := New(20)
	if bf.Has(2) || bf.Has(4) {
		t.Fatalf("fresh bitfield should have no bits set")
	}
	bf.Set(2)
	bf.Set(15)
	if !bf.Has(2) || !bf.Has(15) {
		t.Errorf("expected bits 2 and 15 to be set")
	}
	if bf.Has(3) || bf.Has(14) {
		t.Errorf("unexpected bit set")
	}
}

func TestCount(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(9)
	if got := bf.Count(10); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	clone := bf.Clone()
	clone.Set(1)
	if bf.Has(1) {
		t.Errorf("mutating the clone affected the original")
	}
	if !clone.Has(0) {
		t.Errorf("clone should carry over bits from the original")
	}
}

func TestOutOfRangeIsSafe(t *testing.T) {
	bf := New(4)
	if bf.Has(100) {
		t.Errorf("out-of-range Has should report false, not panic")
	}
	bf.Set(100) // must not panic
}
