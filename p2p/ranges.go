package p2p

import "fmt"

// HeightRange is an inclusive range of block heights.
type HeightRange struct {
	Start uint32
	End   uint32
}

// Len returns the number of heights covered.
func (r HeightRange) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return uint64(r.End-r.Start) + 1
}

// Contains reports whether h lies inside the range.
func (r HeightRange) Contains(h uint32) bool {
	return h >= r.Start && h <= r.End
}

// Overlaps reports whether the two ranges share a height.
func (r HeightRange) Overlaps(o HeightRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r HeightRange) String() string {
	return fmt.Sprintf("[%d..%d]", r.Start, r.End)
}

// missingRanges splits the heights in [from, to] not reported by covered into
// maximal runs of at most batch heights each, in ascending order.
func missingRanges(from, to uint32, batch uint32, covered func(uint32) bool) []HeightRange {
	if from > to || batch == 0 {
		return nil
	}
	var (
		out  []HeightRange
		open bool
		cur  HeightRange
	)
	for h := uint64(from); h <= uint64(to); h++ {
		height := uint32(h)
		if covered(height) {
			if open {
				out = append(out, cur)
				open = false
			}
			continue
		}
		if !open {
			cur = HeightRange{Start: height, End: height}
			open = true
		} else {
			cur.End = height
		}
		if cur.Len() == uint64(batch) {
			out = append(out, cur)
			open = false
		}
	}
	if open {
		out = append(out, cur)
	}
	return out
}
