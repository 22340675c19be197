package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// SignatureLength is the byte length of an ed25519 signature.
const SignatureLength = ed25519.SignatureSize

// Signature is a detached ed25519 signature.
type Signature [SignatureLength]byte

// Sign signs data with priv.
func Sign(priv ed25519.PrivateKey, data []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, data))
	return sig
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(pub ed25519.PublicKey, data []byte, sig Signature) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig[:])
}

// IsZero reports whether no signature was set.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

func (s Signature) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != SignatureLength {
		return fmt.Errorf("decode signature: length %d", len(raw))
	}
	copy(s[:], raw)
	return nil
}
