package types

import (
	"crypto/subtle"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// CapSecretLength is the byte length of a capability secret.
const CapSecretLength = 64

// GrantedFunction names one callable zome function.
type GrantedFunction struct {
	Zome string `cbor:"1,keyasint" json:"zome"`
	Fn   string `cbor:"2,keyasint" json:"fn"`
}

// CapGrant authorises calls into a cell by agents other than its owner. A
// grant without a secret is unrestricted; with assignees only those agents may
// use it.
type CapGrant struct {
	Tag       string            `cbor:"1,keyasint" json:"tag"`
	Secret    []byte            `cbor:"2,keyasint,omitempty" json:"secret,omitempty"`
	Assignees []hash.Hash       `cbor:"3,keyasint,omitempty" json:"assignees,omitempty"`
	Functions []GrantedFunction `cbor:"4,keyasint" json:"functions"`
}

// Entry encodes the grant as a private CapGrant entry.
func (g *CapGrant) Entry() Entry {
	return Entry{Kind: EntryCapGrant, Bytes: codec.MustMarshal(g)}
}

// DecodeCapGrant reads a grant back from its entry.
func DecodeCapGrant(e Entry) (*CapGrant, error) {
	var g CapGrant
	if err := codec.Unmarshal(e.Bytes, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Authorizes reports whether the grant lets provenance call zome/fn with secret.
func (g *CapGrant) Authorizes(provenance hash.Hash, secret []byte, zome, fn string) bool {
	covered := false
	for _, f := range g.Functions {
		if f.Zome == zome && (f.Fn == fn || f.Fn == "*") {
			covered = true
			break
		}
	}
	if !covered {
		return false
	}
	if len(g.Secret) == 0 {
		return true
	}
	if subtle.ConstantTimeCompare(g.Secret, secret) != 1 {
		return false
	}
	if len(g.Assignees) == 0 {
		return true
	}
	for _, a := range g.Assignees {
		if a == provenance {
			return true
		}
	}
	return false
}
