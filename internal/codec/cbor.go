// Package codec is the canonical serialisation for actions, ops and wire
// messages. Encoding uses CBOR Core Deterministic Encoding, so the same value
// always produces the same bytes and therefore the same hash.
package codec

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a single encoded value accepted by Unmarshal.
const MaxMessageSize = 64 << 20

// ErrTooLarge is returned when input exceeds MaxMessageSize.
var ErrTooLarge = fmt.Errorf("codec: input exceeds %d bytes", MaxMessageSize)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

// Marshal encodes v canonically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal encodes values whose types are known to be encodable.
// It panics on failure, which indicates a programming error.
func MustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic("codec: marshal " + err.Error())
	}
	return b
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if len(data) > MaxMessageSize {
		return ErrTooLarge
	}
	return decMode.Unmarshal(data, v)
}

// RawMessage delays decoding of an embedded value.
type RawMessage = cbor.RawMessage

// Encoder is a streaming CBOR encoder.
type Encoder = cbor.Encoder

// Decoder is a streaming CBOR decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a canonical encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
