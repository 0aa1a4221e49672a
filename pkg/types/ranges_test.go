package types

import "testing"

func TestRangeClamp(t *testing.T) {
	t.Run("clamps both ends", func(t *testing.T) {
		r, ok := Range{Start: -5, End: 120}.Clamp(0, 99)
		if !ok || r != (Range{Start: 0, End: 99}) {
			t.Fatalf("got %v ok=%v", r, ok)
		}
	})

	t.Run("range outside bounds is empty", func(t *testing.T) {
		if _, ok := (Range{Start: 150, End: 160}).Clamp(0, 99); ok {
			t.Fatal("expected no overlap")
		}
	})
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Start: 10, End: 20}
	if !a.Overlaps(Range{Start: 20, End: 30}) {
		t.Fatal("touching ranges overlap on the shared order")
	}
	if a.Overlaps(Range{Start: 21, End: 30}) {
		t.Fatal("adjacent ranges do not overlap")
	}
	if a.Len() != 11 {
		t.Fatalf("expected len 11, got %d", a.Len())
	}
	if a.Key() != "10:20" {
		t.Fatalf("unexpected key %q", a.Key())
	}
}
