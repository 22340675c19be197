// Package dht provides the location ring that DHT authority is defined on:
// ring distance, storage arcs, signed agent infos and the per-space peer
// table used to pick authorities and gossip partners.
package dht

import (
	"github.com/ssd-technologies/holonet/internal/hash"
)

// RingSize is the number of locations on the ring (2^32).
const RingSize = uint64(1) << 32

// Distance returns the shortest way around the u32 ring between a and b.
func Distance(a, b uint32) uint32 {
	d1 := a - b
	d2 := b - a
	if d1 < d2 {
		return d1
	}
	return d2
}

// DistanceLess reports whether a is strictly closer to target than b.
func DistanceLess(target, a, b uint32) bool {
	return Distance(target, a) < Distance(target, b)
}

// LocOf returns the location of a hash.
func LocOf(h hash.Hash) uint32 {
	return h.Loc()
}
