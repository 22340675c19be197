// Package hash defines the 36-byte content addresses used throughout holonet.
// Every hash is a 32-byte core followed by a 4-byte DHT location derived from
// the core, so any hash can be placed on the u32 ring without rehashing.
package hash

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// CoreLength is the byte length of the content part of a hash.
	CoreLength = 32
	// LocLength is the byte length of the location suffix.
	LocLength = 4
	// Length is the full byte length of a Hash.
	Length = CoreLength + LocLength
)

// ErrInvalid is returned when parsing a malformed hash.
var ErrInvalid = errors.New("invalid hash")

// Hash is a content address: Blake2b-256 core plus location.
// Agent keys use the same layout with the ed25519 public key as the core.
type Hash [Length]byte

// Zero is the empty hash.
var Zero Hash

// FromCore builds a Hash from a 32-byte core and computes its location.
func FromCore(core []byte) Hash {
	var h Hash
	copy(h[:CoreLength], core)
	binary.BigEndian.PutUint32(h[CoreLength:], Location(h[:CoreLength]))
	return h
}

// FromContent hashes data with Blake2b-256 and appends the location.
func FromContent(data []byte) Hash {
	sum := blake2b.Sum256(data)
	return FromCore(sum[:])
}

// FromAgentKey returns the agent hash for an ed25519 public key.
func FromAgentKey(pub ed25519.PublicKey) Hash {
	return FromCore(pub)
}

// Location folds a 32-byte core to a ring position: Blake2b-128 of the core,
// XOR of its four 4-byte little-endian words.
func Location(core []byte) uint32 {
	h, _ := blake2b.New(16, nil)
	h.Write(core)
	sum := h.Sum(nil)
	var loc uint32
	for i := 0; i < len(sum); i += 4 {
		loc ^= binary.LittleEndian.Uint32(sum[i : i+4])
	}
	return loc
}

// Core returns the 32 content bytes.
func (h Hash) Core() []byte {
	return h[:CoreLength]
}

// Loc returns the ring location stored in the last four bytes.
func (h Hash) Loc() uint32 {
	return binary.BigEndian.Uint32(h[CoreLength:])
}

// PublicKey interprets the core as an ed25519 public key.
func (h Hash) PublicKey() ed25519.PublicKey {
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, h[:CoreLength])
	return pub
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Valid reports whether the location suffix matches the core.
func (h Hash) Valid() bool {
	return h.Loc() == Location(h.Core())
}

// Compare orders hashes bytewise.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// String returns the "u"-prefixed unpadded base64url form.
func (h Hash) String() string {
	return "u" + base64.RawURLEncoding.EncodeToString(h[:])
}

// Short returns an abbreviated form for logs.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse decodes the string form produced by String.
func Parse(s string) (Hash, error) {
	if len(s) < 2 || s[0] != 'u' {
		return Zero, fmt.Errorf("%w: missing prefix", ErrInvalid)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) != Length {
		return Zero, fmt.Errorf("%w: length %d", ErrInvalid, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// FromBytes copies a 36-byte slice into a Hash.
func FromBytes(b []byte) (Hash, error) {
	if len(b) != Length {
		return Zero, fmt.Errorf("%w: length %d", ErrInvalid, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
