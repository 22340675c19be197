package types

import (
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// OpType names the perspective an authority takes on an action.
type OpType uint8

const (
	OpStoreRecord OpType = iota + 1
	OpStoreEntry
	OpRegisterAgentActivity
	OpRegisterUpdate
	OpRegisterDelete
	OpRegisterCreateLink
	OpRegisterDeleteLink
	OpChainIntegrityWarrant
)

var opTypeNames = map[OpType]string{
	OpStoreRecord:           "StoreRecord",
	OpStoreEntry:            "StoreEntry",
	OpRegisterAgentActivity: "RegisterAgentActivity",
	OpRegisterUpdate:        "RegisterUpdate",
	OpRegisterDelete:        "RegisterDelete",
	OpRegisterCreateLink:    "RegisterCreateLink",
	OpRegisterDeleteLink:    "RegisterDeleteLink",
	OpChainIntegrityWarrant: "ChainIntegrityWarrant",
}

func (t OpType) String() string {
	if s, ok := opTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// ErrMalformedOp is returned for ops whose payload does not fit their type.
var ErrMalformedOp = errors.New("malformed op")

// Op is a DHT operation. Action ops carry a signed action (and for
// StoreRecord/StoreEntry possibly the entry); warrant ops carry a warrant.
type Op struct {
	Type         OpType        `cbor:"1,keyasint" json:"type"`
	SignedAction *SignedAction `cbor:"2,keyasint,omitempty" json:"signed_action,omitempty"`
	Entry        *Entry        `cbor:"3,keyasint,omitempty" json:"entry,omitempty"`
	Warrant      *Warrant      `cbor:"4,keyasint,omitempty" json:"warrant,omitempty"`
}

type opIdentity struct {
	Type    OpType          `cbor:"1,keyasint"`
	Action  *Action         `cbor:"2,keyasint,omitempty"`
	Warrant *WarrantContent `cbor:"3,keyasint,omitempty"`
}

// Hash identifies the op by its type and action (or warrant content). The
// entry and signature are not part of the identity.
func (o *Op) Hash() hash.Hash {
	id := opIdentity{Type: o.Type}
	if o.Warrant != nil {
		id.Warrant = &o.Warrant.Content
	} else if o.SignedAction != nil {
		id.Action = &o.SignedAction.Action
	}
	return hash.FromContent(codec.MustMarshal(id))
}

// Action returns the action the op is about, or nil for warrants.
func (o *Op) Action() *Action {
	if o.SignedAction == nil {
		return nil
	}
	return &o.SignedAction.Action
}

// IsWarrant reports whether the op is a warrant.
func (o *Op) IsWarrant() bool {
	return o.Type == OpChainIntegrityWarrant
}

// Author returns the agent that signed the op.
func (o *Op) Author() hash.Hash {
	if o.Warrant != nil {
		return o.Warrant.Content.Warrantor
	}
	if o.SignedAction != nil {
		return o.SignedAction.Action.Author
	}
	return hash.Zero
}

// Timestamp is the authoring time used to place the op in the time dimension
// of the region grid.
func (o *Op) Timestamp() Timestamp {
	if o.Warrant != nil {
		return o.Warrant.Content.Timestamp
	}
	if o.SignedAction != nil {
		return o.SignedAction.Action.Timestamp
	}
	return 0
}

// ActionHash returns the hash of the op's action, or the warranted action.
func (o *Op) ActionHash() hash.Hash {
	if o.Warrant != nil {
		return o.Warrant.Content.ActionHash
	}
	if o.SignedAction != nil {
		return o.SignedAction.Hash()
	}
	return hash.Zero
}

// Basis returns the location whose authorities hold this op.
func (o *Op) Basis() (hash.Hash, error) {
	if o.Type == OpChainIntegrityWarrant {
		if o.Warrant == nil {
			return hash.Zero, fmt.Errorf("%w: warrant op without warrant", ErrMalformedOp)
		}
		return o.Warrant.Content.Warrantee, nil
	}
	a := o.Action()
	if a == nil {
		return hash.Zero, fmt.Errorf("%w: %s without action", ErrMalformedOp, o.Type)
	}
	var basis *hash.Hash
	switch o.Type {
	case OpStoreRecord:
		h := a.Hash()
		return h, nil
	case OpStoreEntry:
		basis = a.EntryHash
	case OpRegisterAgentActivity:
		return a.Author, nil
	case OpRegisterUpdate:
		basis = a.OriginalEntry
	case OpRegisterDelete:
		basis = a.DeletesEntry
	case OpRegisterCreateLink, OpRegisterDeleteLink:
		basis = a.Base
	default:
		return hash.Zero, fmt.Errorf("%w: unknown type %d", ErrMalformedOp, o.Type)
	}
	if basis == nil {
		return hash.Zero, fmt.Errorf("%w: %s on %s", ErrMalformedOp, o.Type, a.Type)
	}
	return *basis, nil
}

// CheckShape verifies that the op type is legal for its action and that the
// entry is present exactly where it must be.
func (o *Op) CheckShape() error {
	if o.Type == OpChainIntegrityWarrant {
		if o.Warrant == nil || o.SignedAction != nil || o.Entry != nil {
			return fmt.Errorf("%w: warrant op payload", ErrMalformedOp)
		}
		return nil
	}
	a := o.Action()
	if a == nil || o.Warrant != nil {
		return fmt.Errorf("%w: %s payload", ErrMalformedOp, o.Type)
	}
	allowed := false
	switch o.Type {
	case OpStoreRecord, OpRegisterAgentActivity:
		allowed = true
	case OpStoreEntry:
		allowed = a.IsNewEntry()
	case OpRegisterUpdate:
		allowed = a.Type == ActionUpdate
	case OpRegisterDelete:
		allowed = a.Type == ActionDelete
	case OpRegisterCreateLink:
		allowed = a.Type == ActionCreateLink
	case OpRegisterDeleteLink:
		allowed = a.Type == ActionDeleteLink
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot be produced from %s", ErrMalformedOp, o.Type, a.Type)
	}
	if o.Entry != nil && o.Type != OpStoreRecord && o.Type != OpStoreEntry {
		return fmt.Errorf("%w: %s carries an entry", ErrMalformedOp, o.Type)
	}
	if o.Type == OpStoreEntry && o.Entry == nil {
		return fmt.Errorf("%w: StoreEntry without entry", ErrMalformedOp)
	}
	return nil
}

// Size is the encoded byte length, used for region byte counts and fetch
// pool accounting.
func (o *Op) Size() int {
	return len(codec.MustMarshal(o))
}

// ProduceOps derives every op an action implies. The entry is attached to
// StoreRecord and StoreEntry only when it is public; private entry bodies
// stay on the author's node.
func ProduceOps(sa SignedAction, entry *Entry) []Op {
	a := &sa.Action
	public := entry
	if a.IsPrivateEntry() {
		public = nil
	}
	saPtr := func() *SignedAction { c := sa; return &c }

	ops := []Op{
		{Type: OpStoreRecord, SignedAction: saPtr(), Entry: public},
		{Type: OpRegisterAgentActivity, SignedAction: saPtr()},
	}
	switch a.Type {
	case ActionCreate:
		if public != nil {
			ops = append(ops, Op{Type: OpStoreEntry, SignedAction: saPtr(), Entry: public})
		}
	case ActionUpdate:
		if public != nil {
			ops = append(ops, Op{Type: OpStoreEntry, SignedAction: saPtr(), Entry: public})
		}
		ops = append(ops, Op{Type: OpRegisterUpdate, SignedAction: saPtr()})
	case ActionDelete:
		ops = append(ops, Op{Type: OpRegisterDelete, SignedAction: saPtr()})
	case ActionCreateLink:
		ops = append(ops, Op{Type: OpRegisterCreateLink, SignedAction: saPtr()})
	case ActionDeleteLink:
		ops = append(ops, Op{Type: OpRegisterDeleteLink, SignedAction: saPtr()})
	}
	return ops
}

// OpRef is the lightweight handle used when only identity and placement
// are needed.
type OpRef struct {
	Hash  hash.Hash `cbor:"1,keyasint" json:"hash"`
	Basis hash.Hash `cbor:"2,keyasint" json:"basis"`
	Size  uint32    `cbor:"3,keyasint" json:"size"`
}

// WarrantContent is the signed part of a warrant.
type WarrantContent struct {
	Warrantor  hash.Hash `cbor:"1,keyasint" json:"warrantor"`
	Warrantee  hash.Hash `cbor:"2,keyasint" json:"warrantee"`
	ActionHash hash.Hash `cbor:"3,keyasint" json:"action_hash"`
	OpType     OpType    `cbor:"4,keyasint" json:"op_type"`
	Reason     string    `cbor:"5,keyasint" json:"reason"`
	Timestamp  Timestamp `cbor:"6,keyasint" json:"timestamp"`
}

// Warrant asserts that Warrantee authored an invalid action.
type Warrant struct {
	Content   WarrantContent   `cbor:"1,keyasint" json:"content"`
	Signature crypto.Signature `cbor:"2,keyasint" json:"signature"`
}

// Bytes returns the canonical bytes the warrantor signs.
func (c *WarrantContent) Bytes() []byte {
	return codec.MustMarshal(c)
}

// VerifySignature checks the warrantor's signature.
func (w *Warrant) VerifySignature() bool {
	return crypto.Verify(w.Content.Warrantor.PublicKey(), w.Content.Bytes(), w.Signature)
}
