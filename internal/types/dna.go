package types

import (
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// DnaDef identifies an application network. Its hash is the DHT space.
type DnaDef struct {
	Name        string    `cbor:"1,keyasint" json:"name" yaml:"name"`
	NetworkSeed string    `cbor:"2,keyasint" json:"network_seed" yaml:"network_seed"`
	Properties  []byte    `cbor:"3,keyasint,omitempty" json:"properties,omitempty" yaml:"properties,omitempty"`
	OriginTime  Timestamp `cbor:"4,keyasint" json:"origin_time" yaml:"origin_time"`
	Zomes       []string  `cbor:"5,keyasint" json:"zomes" yaml:"zomes"`
}

// Hash returns the DNA hash.
func (d *DnaDef) Hash() hash.Hash {
	return hash.FromContent(codec.MustMarshal(d))
}

// WithNetworkSeed returns a copy of d on a distinct network.
func (d DnaDef) WithNetworkSeed(seed string) DnaDef {
	d.NetworkSeed = seed
	d.Zomes = append([]string(nil), d.Zomes...)
	return d
}

// CellID names a running (DNA, agent) pair.
type CellID struct {
	Dna   hash.Hash `cbor:"1,keyasint" json:"dna_hash"`
	Agent hash.Hash `cbor:"2,keyasint" json:"agent_pub_key"`
}

func (c CellID) String() string {
	return c.Dna.Short() + ":" + c.Agent.Short()
}
