package reg

// Range is a half-open physical address range [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 { return r.Base + r.Size }

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Size > 0 && o.Size > 0 && r.Base < o.End() && o.Base < r.End()
}

// RangeSet is a set of address ranges. It is not safe for concurrent use.
type RangeSet struct {
	rr []Range
}

// Add inserts [base, base+size) into the set.
func (s *RangeSet) Add(base, size uint64) {
	if size == 0 {
		return
	}

	s.rr = append(s.rr, Range{Base: base, Size: size})
}

// Overlaps reports whether any range in the set overlaps [base, base+size).
func (s *RangeSet) Overlaps(base, size uint64) bool {
	q := Range{Base: base, Size: size}
	for _, r := range s.rr {
		if r.Overlaps(q) {
			return true
		}
	}

	return false
}

// Ranges returns a copy of the ranges in insertion order.
func (s *RangeSet) Ranges() []Range {
	return append([]Range(nil), s.rr...)
}
