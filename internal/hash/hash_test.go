package hash

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func TestFromContent_Deterministic(t *testing.T) {
	a := FromContent([]byte("hello"))
	b := FromContent([]byte("hello"))
	if a != b {
		t.Fatal("same content should produce the same hash")
	}
	c := FromContent([]byte("hello!"))
	if a == c {
		t.Fatal("different content should produce different hashes")
	}

	sum := blake2b.Sum256([]byte("hello"))
	if string(a.Core()) != string(sum[:]) {
		t.Fatal("core should be blake2b-256 of the content")
	}
}

func TestLocation_FoldsBlake2b128(t *testing.T) {
	core := make([]byte, CoreLength)
	for i := range core {
		core[i] = byte(i)
	}
	h, _ := blake2b.New(16, nil)
	h.Write(core)
	sum := h.Sum(nil)
	var want uint32
	for i := 0; i < 16; i += 4 {
		want ^= binary.LittleEndian.Uint32(sum[i:])
	}

	got := FromCore(core)
	if got.Loc() != want {
		t.Fatalf("expected loc %d, got %d", want, got.Loc())
	}
	if !got.Valid() {
		t.Fatal("hash built by FromCore should validate")
	}

	got[0] ^= 0xFF
	if got.Valid() {
		t.Fatal("tampered core should no longer match its location")
	}
}

func TestAgentKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	agent := FromAgentKey(pub)
	if !pub.Equal(agent.PublicKey()) {
		t.Fatal("PublicKey should return the original key")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	h := FromContent([]byte("round trip"))
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != h {
		t.Fatal("parsed hash should equal original")
	}

	for _, bad := range []string{"", "x", "uAAAA", "v" + h.String()[1:]} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("expected error parsing %q", bad)
		}
	}
}

func TestXOR_ToggleCancels(t *testing.T) {
	a := FromContent([]byte("a"))
	b := FromContent([]byte("b"))

	var x1, x2 XOR
	x1.Toggle(a)
	x1.Toggle(b)
	x2.Toggle(b)
	x2.Toggle(a)
	if x1 != x2 {
		t.Fatal("toggle order should not matter")
	}

	x1.Toggle(a)
	x1.Toggle(b)
	if !x1.IsZero() {
		t.Fatal("toggling every hash twice should cancel out")
	}
}
