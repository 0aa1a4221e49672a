package types

import "fmt"

// Range is an inclusive interval of row orders [Start, End].
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of orders in the range; zero for inverted ranges.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Empty reports whether the range holds no orders.
func (r Range) Empty() bool {
	return r.Len() == 0
}

// Contains reports whether order lies inside r.
func (r Range) Contains(order int) bool {
	return order >= r.Start && order <= r.End
}

// Overlaps reports whether r and o share at least one order.
func (r Range) Overlaps(o Range) bool {
	return !r.Empty() && !o.Empty() && r.Start <= o.End && o.Start <= r.End
}

// Clamp restricts r to [lo, hi]. The second result is false when nothing
// of r lies inside the bounds.
func (r Range) Clamp(lo, hi int) (Range, bool) {
	if r.Start < lo {
		r.Start = lo
	}
	if r.End > hi {
		r.End = hi
	}
	return r, !r.Empty()
}

// Key returns the canonical in-flight key for r.
func (r Range) Key() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}
