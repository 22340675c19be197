package dht

import (
	"fmt"
	"math"
	"sort"
)

// MaxHalfLen is the half-length at which an arc covers the whole ring.
const MaxHalfLen = uint32(1) << 31

// resizeStep is the half-length change per adjustment, 1/8 of the ring in length.
const resizeStep = uint32(1) << 28

// Arc is a storage arc: every location within HalfLen-1 of Center, wrapping
// around the ring. HalfLen 0 is the empty arc.
type Arc struct {
	Center  uint32 `cbor:"1,keyasint" json:"center" yaml:"center"`
	HalfLen uint32 `cbor:"2,keyasint" json:"half_len" yaml:"half_len"`
}

// FullArc covers every location.
func FullArc(center uint32) Arc {
	return Arc{Center: center, HalfLen: MaxHalfLen}
}

// EmptyArc covers nothing.
func EmptyArc(center uint32) Arc {
	return Arc{Center: center}
}

// IsEmpty reports whether the arc covers nothing.
func (a Arc) IsEmpty() bool { return a.HalfLen == 0 }

// IsFull reports whether the arc covers the whole ring.
func (a Arc) IsFull() bool { return a.HalfLen >= MaxHalfLen }

// Contains reports whether loc is inside the arc. Wrap-around is handled by
// ring distance, so an arc centred near 0 contains math.MaxUint32.
func (a Arc) Contains(loc uint32) bool {
	if a.IsEmpty() {
		return false
	}
	if a.IsFull() {
		return true
	}
	return Distance(a.Center, loc) < a.HalfLen
}

// Bounds returns the inclusive start and end locations. start > end means the
// arc wraps through zero. ok is false for the empty arc.
func (a Arc) Bounds() (start, end uint32, ok bool) {
	if a.IsEmpty() {
		return 0, 0, false
	}
	if a.IsFull() {
		return 0, math.MaxUint32, true
	}
	return a.Center - (a.HalfLen - 1), a.Center + (a.HalfLen - 1), true
}

// Length returns the number of covered locations.
func (a Arc) Length() uint64 {
	if a.IsEmpty() {
		return 0
	}
	if a.IsFull() {
		return RingSize
	}
	return 2*uint64(a.HalfLen) - 1
}

// Coverage returns the fraction of the ring the arc covers.
func (a Arc) Coverage() float64 {
	return float64(a.Length()) / float64(RingSize)
}

func (a Arc) String() string {
	switch {
	case a.IsEmpty():
		return "arc(empty)"
	case a.IsFull():
		return "arc(full)"
	}
	s, e, _ := a.Bounds()
	return fmt.Sprintf("arc(%d..%d)", s, e)
}

// Resize moves the arc one step toward the target redundancy. covering is the
// number of known arcs (including ours) that cover our centre. Growth stops at
// full; shrinking happens only when coverage is well above target and never
// below a sliver.
func (a Arc) Resize(covering, target int) Arc {
	switch {
	case covering < target:
		if a.HalfLen >= MaxHalfLen-resizeStep {
			a.HalfLen = MaxHalfLen
		} else {
			a.HalfLen += resizeStep
		}
	case float64(covering) > 1.5*float64(target):
		if a.HalfLen > resizeStep {
			a.HalfLen -= resizeStep
		} else if a.HalfLen > 1 {
			a.HalfLen = 1
		}
	}
	return a
}

// Interval is an inclusive, non-wrapping range of locations.
type Interval struct {
	Start uint32 `cbor:"1,keyasint" json:"start"`
	End   uint32 `cbor:"2,keyasint" json:"end"`
}

// Len returns the number of locations in the interval.
func (i Interval) Len() uint64 {
	return uint64(i.End) - uint64(i.Start) + 1
}

// Contains reports whether loc is inside the interval.
func (i Interval) Contains(loc uint32) bool {
	return loc >= i.Start && loc <= i.End
}

// ArcSet is a normalised union of intervals: sorted, non-overlapping and
// non-wrapping.
type ArcSet []Interval

// ArcSetOf converts arcs into a normalised set, splitting wrapping arcs at zero.
func ArcSetOf(arcs ...Arc) ArcSet {
	var ivs []Interval
	for _, a := range arcs {
		s, e, ok := a.Bounds()
		if !ok {
			continue
		}
		if s <= e {
			ivs = append(ivs, Interval{s, e})
		} else {
			ivs = append(ivs, Interval{0, e}, Interval{s, math.MaxUint32})
		}
	}
	return normalise(ivs)
}

func normalise(ivs []Interval) ArcSet {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	out := ArcSet{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if uint64(iv.Start) <= uint64(last.End)+1 {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intersect returns the locations covered by both sets.
func (s ArcSet) Intersect(other ArcSet) ArcSet {
	var out []Interval
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		lo := max(s[i].Start, other[j].Start)
		hi := min(s[i].End, other[j].End)
		if lo <= hi {
			out = append(out, Interval{lo, hi})
		}
		if s[i].End < other[j].End {
			i++
		} else {
			j++
		}
	}
	return normalise(out)
}

// Contains reports whether loc is covered.
func (s ArcSet) Contains(loc uint32) bool {
	for _, iv := range s {
		if iv.Contains(loc) {
			return true
		}
	}
	return false
}

// Len returns the number of covered locations.
func (s ArcSet) Len() uint64 {
	var n uint64
	for _, iv := range s {
		n += iv.Len()
	}
	return n
}

// IsEmpty reports whether the set covers nothing.
func (s ArcSet) IsEmpty() bool { return len(s) == 0 }

// CoveringCount counts how many arcs contain loc.
func CoveringCount(loc uint32, arcs []Arc) int {
	n := 0
	for _, a := range arcs {
		if a.Contains(loc) {
			n++
		}
	}
	return n
}
