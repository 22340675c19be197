package types

import (
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// ActionType is the variant tag of an Action.
type ActionType uint8

const (
	ActionDna ActionType = iota + 1
	ActionAgentValidationPkg
	ActionInitZomesComplete
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionCreateLink
	ActionDeleteLink
	ActionOpenChain
	ActionCloseChain
)

var actionTypeNames = map[ActionType]string{
	ActionDna:                "Dna",
	ActionAgentValidationPkg: "AgentValidationPkg",
	ActionInitZomesComplete:  "InitZomesComplete",
	ActionCreate:             "Create",
	ActionUpdate:             "Update",
	ActionDelete:             "Delete",
	ActionCreateLink:         "CreateLink",
	ActionDeleteLink:         "DeleteLink",
	ActionOpenChain:          "OpenChain",
	ActionCloseChain:         "CloseChain",
}

func (t ActionType) String() string {
	if s, ok := actionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ActionType(%d)", uint8(t))
}

// ErrInvalidStructure is wrapped by CheckStructure failures.
var ErrInvalidStructure = errors.New("invalid action structure")

// Action is one signed step of a source chain. Variant payload fields are
// flattened into the struct and only those belonging to Type may be set.
type Action struct {
	Type       ActionType `cbor:"1,keyasint" json:"type"`
	Author     hash.Hash  `cbor:"2,keyasint" json:"author"`
	Timestamp  Timestamp  `cbor:"3,keyasint" json:"timestamp"`
	Seq        uint32     `cbor:"4,keyasint" json:"action_seq"`
	PrevAction *hash.Hash `cbor:"5,keyasint,omitempty" json:"prev_action,omitempty"`

	// Dna
	DnaHash *hash.Hash `cbor:"6,keyasint,omitempty" json:"dna_hash,omitempty"`
	// AgentValidationPkg
	MembraneProof []byte `cbor:"7,keyasint,omitempty" json:"membrane_proof,omitempty"`
	// Create, Update
	EntryType *EntryType `cbor:"8,keyasint,omitempty" json:"entry_type,omitempty"`
	EntryHash *hash.Hash `cbor:"9,keyasint,omitempty" json:"entry_hash,omitempty"`
	// Update
	OriginalAction *hash.Hash `cbor:"10,keyasint,omitempty" json:"original_action,omitempty"`
	OriginalEntry  *hash.Hash `cbor:"11,keyasint,omitempty" json:"original_entry,omitempty"`
	// Delete
	DeletesAction *hash.Hash `cbor:"12,keyasint,omitempty" json:"deletes_action,omitempty"`
	DeletesEntry  *hash.Hash `cbor:"13,keyasint,omitempty" json:"deletes_entry,omitempty"`
	// CreateLink, DeleteLink
	Base *hash.Hash `cbor:"14,keyasint,omitempty" json:"base,omitempty"`
	// CreateLink
	Target    *hash.Hash `cbor:"15,keyasint,omitempty" json:"target,omitempty"`
	ZomeIndex uint8      `cbor:"16,keyasint,omitempty" json:"zome_index,omitempty"`
	Tag       []byte     `cbor:"17,keyasint,omitempty" json:"tag,omitempty"`
	// DeleteLink
	LinkAddAction *hash.Hash `cbor:"18,keyasint,omitempty" json:"link_add_hash,omitempty"`
	// OpenChain (previous DNA), CloseChain (new DNA)
	ChainRef *hash.Hash `cbor:"19,keyasint,omitempty" json:"chain_ref,omitempty"`
}

func ref(h hash.Hash) *hash.Hash { return &h }

// NewDna starts a chain.
func NewDna(dna hash.Hash) Action {
	return Action{Type: ActionDna, DnaHash: ref(dna)}
}

// NewAgentValidationPkg carries the membrane proof presented at genesis.
func NewAgentValidationPkg(proof []byte) Action {
	return Action{Type: ActionAgentValidationPkg, MembraneProof: proof}
}

// NewInitZomesComplete marks the end of zome initialisation.
func NewInitZomesComplete() Action {
	return Action{Type: ActionInitZomesComplete}
}

// NewCreate creates an entry.
func NewCreate(et EntryType, entry hash.Hash) Action {
	return Action{Type: ActionCreate, EntryType: &et, EntryHash: ref(entry)}
}

// NewUpdate replaces originalEntry (created by originalAction) with entry.
func NewUpdate(et EntryType, entry, originalAction, originalEntry hash.Hash) Action {
	return Action{
		Type:           ActionUpdate,
		EntryType:      &et,
		EntryHash:      ref(entry),
		OriginalAction: ref(originalAction),
		OriginalEntry:  ref(originalEntry),
	}
}

// NewDelete deletes the entry created by deletesAction.
func NewDelete(deletesAction, deletesEntry hash.Hash) Action {
	return Action{Type: ActionDelete, DeletesAction: ref(deletesAction), DeletesEntry: ref(deletesEntry)}
}

// NewCreateLink links base to target.
func NewCreateLink(base, target hash.Hash, zome uint8, tag []byte) Action {
	return Action{Type: ActionCreateLink, Base: ref(base), Target: ref(target), ZomeIndex: zome, Tag: tag}
}

// NewDeleteLink removes the link created by linkAdd.
func NewDeleteLink(linkAdd, base hash.Hash) Action {
	return Action{Type: ActionDeleteLink, LinkAddAction: ref(linkAdd), Base: ref(base)}
}

// NewOpenChain continues a chain migrated from prevDna.
func NewOpenChain(prevDna hash.Hash) Action {
	return Action{Type: ActionOpenChain, ChainRef: ref(prevDna)}
}

// NewCloseChain ends a chain that migrates to newDna.
func NewCloseChain(newDna hash.Hash) Action {
	return Action{Type: ActionCloseChain, ChainRef: ref(newDna)}
}

// Bytes returns the canonical encoding used for hashing and signing.
func (a *Action) Bytes() []byte {
	return codec.MustMarshal(a)
}

// Hash returns the action address.
func (a *Action) Hash() hash.Hash {
	return hash.FromContent(a.Bytes())
}

// Prev returns the previous action hash, if any.
func (a *Action) Prev() (hash.Hash, bool) {
	if a.PrevAction == nil {
		return hash.Zero, false
	}
	return *a.PrevAction, true
}

// Entry returns the entry hash and type for Create and Update.
func (a *Action) Entry() (hash.Hash, EntryType, bool) {
	if a.EntryHash == nil || a.EntryType == nil {
		return hash.Zero, EntryType{}, false
	}
	return *a.EntryHash, *a.EntryType, true
}

// IsNewEntry reports whether a is a Create or Update.
func (a *Action) IsNewEntry() bool {
	return a.Type == ActionCreate || a.Type == ActionUpdate
}

// IsPrivateEntry reports whether a creates an entry that must not leave the node.
func (a *Action) IsPrivateEntry() bool {
	return a.EntryType != nil && a.EntryType.Visibility == Private
}

type fieldSet uint32

const (
	fDna fieldSet = 1 << iota
	fMembrane
	fEntryType
	fEntryHash
	fOrigAction
	fOrigEntry
	fDelAction
	fDelEntry
	fBase
	fTarget
	fZome
	fTag
	fLinkAdd
	fChainRef
)

var requiredFields = map[ActionType]fieldSet{
	ActionDna:                fDna,
	ActionAgentValidationPkg: 0,
	ActionInitZomesComplete:  0,
	ActionCreate:             fEntryType | fEntryHash,
	ActionUpdate:             fEntryType | fEntryHash | fOrigAction | fOrigEntry,
	ActionDelete:             fDelAction | fDelEntry,
	ActionCreateLink:         fBase | fTarget,
	ActionDeleteLink:         fLinkAdd | fBase,
	ActionOpenChain:          fChainRef,
	ActionCloseChain:         fChainRef,
}

var optionalFields = map[ActionType]fieldSet{
	ActionAgentValidationPkg: fMembrane,
	ActionCreateLink:         fZome | fTag,
}

func (a *Action) presentFields() fieldSet {
	var s fieldSet
	set := func(ok bool, f fieldSet) {
		if ok {
			s |= f
		}
	}
	set(a.DnaHash != nil, fDna)
	set(len(a.MembraneProof) > 0, fMembrane)
	set(a.EntryType != nil, fEntryType)
	set(a.EntryHash != nil, fEntryHash)
	set(a.OriginalAction != nil, fOrigAction)
	set(a.OriginalEntry != nil, fOrigEntry)
	set(a.DeletesAction != nil, fDelAction)
	set(a.DeletesEntry != nil, fDelEntry)
	set(a.Base != nil, fBase)
	set(a.Target != nil, fTarget)
	set(a.ZomeIndex != 0, fZome)
	set(len(a.Tag) > 0, fTag)
	set(a.LinkAddAction != nil, fLinkAdd)
	set(a.ChainRef != nil, fChainRef)
	return s
}

// CheckStructure verifies the variant tag agrees with the populated fields and
// with the chain position.
func (a *Action) CheckStructure() error {
	required, ok := requiredFields[a.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidStructure, a.Type)
	}
	present := a.presentFields()
	if present&required != required {
		return fmt.Errorf("%w: %s missing fields", ErrInvalidStructure, a.Type)
	}
	if extra := present &^ (required | optionalFields[a.Type]); extra != 0 {
		return fmt.Errorf("%w: %s carries foreign fields", ErrInvalidStructure, a.Type)
	}
	if a.Type == ActionDna {
		if a.Seq != 0 || a.PrevAction != nil {
			return fmt.Errorf("%w: Dna must be the chain root", ErrInvalidStructure)
		}
		return nil
	}
	if a.Seq == 0 {
		return fmt.Errorf("%w: %s cannot be the chain root", ErrInvalidStructure, a.Type)
	}
	if a.PrevAction == nil {
		return fmt.Errorf("%w: %s missing prev_action", ErrInvalidStructure, a.Type)
	}
	return nil
}

// SignedAction pairs an action with the author's signature over its bytes.
type SignedAction struct {
	Action    Action           `cbor:"1,keyasint" json:"action"`
	Signature crypto.Signature `cbor:"2,keyasint" json:"signature"`
}

// Hash returns the hash of the inner action.
func (s *SignedAction) Hash() hash.Hash {
	return s.Action.Hash()
}

// VerifySignature checks the signature against the action author.
func (s *SignedAction) VerifySignature() bool {
	return crypto.Verify(s.Action.Author.PublicKey(), s.Action.Bytes(), s.Signature)
}

// Record is a signed action plus its entry when the entry is available.
type Record struct {
	SignedAction SignedAction `cbor:"1,keyasint" json:"signed_action"`
	Entry        *Entry       `cbor:"2,keyasint,omitempty" json:"entry,omitempty"`
}

// ActionHash returns the hash of the record's action.
func (r *Record) ActionHash() hash.Hash {
	return r.SignedAction.Hash()
}

// Action returns the record's action.
func (r *Record) Action() *Action {
	return &r.SignedAction.Action
}
