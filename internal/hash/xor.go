package hash

import "encoding/hex"

// XOR accumulates the cores of a set of hashes. Adding and removing the same
// hash cancel out, so the accumulator identifies a set independent of order.
type XOR [CoreLength]byte

// Toggle adds h to the set, or removes it if it was already present.
func (x *XOR) Toggle(h Hash) {
	for i := 0; i < CoreLength; i++ {
		x[i] ^= h[i]
	}
}

// Merge folds another accumulator into x.
func (x *XOR) Merge(other XOR) {
	for i := range x {
		x[i] ^= other[i]
	}
}

// IsZero reports whether the accumulator is empty (or cancelled out).
func (x XOR) IsZero() bool {
	return x == XOR{}
}

func (x XOR) String() string {
	return hex.EncodeToString(x[:8])
}

// XORFromBytes loads an accumulator from a stored blob. Short blobs are
// zero-padded.
func XORFromBytes(b []byte) XOR {
	var x XOR
	copy(x[:], b)
	return x
}
