package dht

import (
	"math"
	"testing"
)

func TestDistanceWraps(t *testing.T) {
	if d := Distance(0, math.MaxUint32); d != 1 {
		t.Fatalf("expected distance 1 across zero, got %d", d)
	}
	if d := Distance(10, 20); d != 10 {
		t.Fatalf("expected distance 10, got %d", d)
	}
	if !DistanceLess(0, math.MaxUint32, 5) {
		t.Fatal("MaxUint32 should be closer to 0 than 5")
	}
}

func TestArcContains(t *testing.T) {
	tests := []struct {
		name string
		arc  Arc
		loc  uint32
		want bool
	}{
		{"empty arc holds nothing", EmptyArc(0), 0, false},
		{"full arc holds everything", FullArc(123), math.MaxUint32, true},
		{"centre", Arc{Center: 100, HalfLen: 1}, 100, true},
		{"half-length 1 is a single point", Arc{Center: 100, HalfLen: 1}, 101, false},
		{"inside", Arc{Center: 100, HalfLen: 10}, 109, true},
		{"edge excluded", Arc{Center: 100, HalfLen: 10}, 110, false},
		{"wrap: max u32 in arc around zero", Arc{Center: 0, HalfLen: 10}, math.MaxUint32, true},
		{"wrap: max u32 in arc just past zero", Arc{Center: 3, HalfLen: 5}, math.MaxUint32, true},
		{"wrap: far side excluded", Arc{Center: 0, HalfLen: 10}, math.MaxUint32 - 20, false},
	}
	for _, tt := range tests {
		if got := tt.arc.Contains(tt.loc); got != tt.want {
			t.Errorf("%s: Contains(%d) = %v, want %v", tt.name, tt.loc, got, tt.want)
		}
	}
}

func TestArcBoundsAgreeWithContains(t *testing.T) {
	arc := Arc{Center: 2, HalfLen: 5}
	s, e, ok := arc.Bounds()
	if !ok {
		t.Fatal("non-empty arc should have bounds")
	}
	if s != math.MaxUint32-1 || e != 6 {
		t.Fatalf("unexpected bounds %d..%d", s, e)
	}
	set := ArcSetOf(arc)
	if len(set) != 2 {
		t.Fatalf("wrapping arc should split into 2 intervals, got %d", len(set))
	}
	if set.Len() != arc.Length() {
		t.Fatalf("set length %d should equal arc length %d", set.Len(), arc.Length())
	}
	for _, loc := range []uint32{math.MaxUint32 - 1, math.MaxUint32, 0, 6} {
		if !set.Contains(loc) || !arc.Contains(loc) {
			t.Errorf("loc %d should be covered by both", loc)
		}
	}
}

func TestArcSetIntersect(t *testing.T) {
	a := ArcSetOf(Arc{Center: 100, HalfLen: 51})   // 50..150
	b := ArcSetOf(Arc{Center: 175, HalfLen: 51})   // 125..225
	c := ArcSetOf(Arc{Center: 10000, HalfLen: 10}) // disjoint

	got := a.Intersect(b)
	if len(got) != 1 || got[0].Start != 125 || got[0].End != 150 {
		t.Fatalf("unexpected intersection %v", got)
	}
	if !a.Intersect(c).IsEmpty() {
		t.Fatal("disjoint arcs should not intersect")
	}
	full := ArcSetOf(FullArc(0))
	if full.Intersect(a).Len() != a.Len() {
		t.Fatal("intersection with the full ring should be identity")
	}
	if !ArcSetOf(EmptyArc(0)).Intersect(full).IsEmpty() {
		t.Fatal("empty arc intersects nothing")
	}
}

func TestArcResize(t *testing.T) {
	a := Arc{Center: 0, HalfLen: 1}
	grown := a.Resize(1, 50)
	if grown.HalfLen <= a.HalfLen {
		t.Fatal("arc should grow when under-covered")
	}
	steady := grown.Resize(60, 50)
	if steady != grown {
		t.Fatal("arc within tolerance should not change")
	}
	shrunk := grown.Resize(100, 50)
	if shrunk.HalfLen >= grown.HalfLen {
		t.Fatal("arc should shrink when heavily over-covered")
	}

	full := FullArc(0)
	if full.Resize(0, 50) != full {
		t.Fatal("full arc cannot grow further")
	}
	for i := 0; i < 100; i++ {
		a = a.Resize(0, 50)
	}
	if !a.IsFull() {
		t.Fatal("repeated growth should saturate at full")
	}
}

func TestCoveringCount(t *testing.T) {
	arcs := []Arc{FullArc(0), {Center: 10, HalfLen: 5}, EmptyArc(10)}
	if n := CoveringCount(12, arcs); n != 2 {
		t.Fatalf("expected 2 covering arcs, got %d", n)
	}
}
