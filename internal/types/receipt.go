package types

import (
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// ErrReceiptSignature is returned when a receipt does not verify.
var ErrReceiptSignature = errors.New("validation receipt signature")

// ValidationReceipt attests that Validators validated and integrated an op.
type ValidationReceipt struct {
	OpHash         hash.Hash        `cbor:"1,keyasint" json:"dht_op_hash"`
	Status         ValidationStatus `cbor:"2,keyasint" json:"validation_status"`
	WhenIntegrated Timestamp        `cbor:"3,keyasint" json:"when_integrated"`
	Validators     []hash.Hash      `cbor:"4,keyasint" json:"validators"`
}

// Bytes returns the canonical bytes each validator signs.
func (r *ValidationReceipt) Bytes() []byte {
	return codec.MustMarshal(r)
}

// SignedValidationReceipt carries one signature per validator, in order.
type SignedValidationReceipt struct {
	Receipt    ValidationReceipt  `cbor:"1,keyasint" json:"receipt"`
	Signatures []crypto.Signature `cbor:"2,keyasint" json:"validators_signatures"`
}

// Verify checks every validator signature.
func (s *SignedValidationReceipt) Verify() error {
	if len(s.Receipt.Validators) == 0 {
		return fmt.Errorf("%w: no validators", ErrReceiptSignature)
	}
	if len(s.Signatures) != len(s.Receipt.Validators) {
		return fmt.Errorf("%w: %d signatures for %d validators",
			ErrReceiptSignature, len(s.Signatures), len(s.Receipt.Validators))
	}
	data := s.Receipt.Bytes()
	for i, v := range s.Receipt.Validators {
		if !crypto.Verify(v.PublicKey(), data, s.Signatures[i]) {
			return fmt.Errorf("%w: validator %s", ErrReceiptSignature, v.Short())
		}
	}
	return nil
}

// Hash identifies a receipt for deduplication.
func (s *SignedValidationReceipt) Hash() hash.Hash {
	return hash.FromContent(s.Receipt.Bytes())
}
