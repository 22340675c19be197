package types

import (
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// EntryKind distinguishes system entries from application entries.
type EntryKind uint8

const (
	EntryApp EntryKind = iota + 1
	EntryAgent
	EntryCapGrant
	EntryCapClaim
)

func (k EntryKind) String() string {
	switch k {
	case EntryApp:
		return "App"
	case EntryAgent:
		return "Agent"
	case EntryCapGrant:
		return "CapGrant"
	case EntryCapClaim:
		return "CapClaim"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Visibility controls whether an entry body leaves the author's node.
type Visibility uint8

const (
	Public Visibility = iota
	Private
)

func (v Visibility) String() string {
	if v == Private {
		return "Private"
	}
	return "Public"
}

// EntryType is carried on Create and Update actions.
type EntryType struct {
	Kind       EntryKind  `cbor:"1,keyasint" json:"kind"`
	ZomeIndex  uint8      `cbor:"2,keyasint" json:"zome_index"`
	EntryIndex uint8      `cbor:"3,keyasint" json:"entry_index"`
	Visibility Visibility `cbor:"4,keyasint" json:"visibility"`
}

// AgentEntryType is the entry type of the agent key entry written at genesis.
var AgentEntryType = EntryType{Kind: EntryAgent, Visibility: Public}

// CapGrantEntryType is the entry type of capability grants.
var CapGrantEntryType = EntryType{Kind: EntryCapGrant, Visibility: Private}

// AppEntryType builds an application entry type.
func AppEntryType(zome, index uint8, vis Visibility) EntryType {
	return EntryType{Kind: EntryApp, ZomeIndex: zome, EntryIndex: index, Visibility: vis}
}

// Entry is opaque application or system content.
type Entry struct {
	Kind  EntryKind `cbor:"1,keyasint" json:"kind"`
	Bytes []byte    `cbor:"2,keyasint" json:"bytes"`
}

// NewAppEntry wraps application bytes.
func NewAppEntry(b []byte) Entry {
	return Entry{Kind: EntryApp, Bytes: b}
}

// NewAgentEntry is the entry whose hash is the agent key itself.
func NewAgentEntry(agent hash.Hash) Entry {
	return Entry{Kind: EntryAgent, Bytes: append([]byte(nil), agent[:]...)}
}

// Hash returns the entry address. Agent entries are addressed by the agent
// key they carry.
func (e Entry) Hash() hash.Hash {
	if e.Kind == EntryAgent {
		if h, err := hash.FromBytes(e.Bytes); err == nil {
			return h
		}
	}
	return hash.FromContent(codec.MustMarshal(e))
}

// Size is the length of the entry payload.
func (e Entry) Size() int {
	return len(e.Bytes)
}
