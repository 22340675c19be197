package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
)

type testAgent struct {
	priv ed25519.PrivateKey
	key  hash.Hash
}

func newTestAgent(t *testing.T) testAgent {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testAgent{priv: priv, key: hash.FromAgentKey(pub)}
}

func (a testAgent) sign(act Action) SignedAction {
	return SignedAction{Action: act, Signature: crypto.Sign(a.priv, act.Bytes())}
}

func chained(a Action, author hash.Hash, seq uint32, prev hash.Hash, ts Timestamp) Action {
	a.Author = author
	a.Seq = seq
	a.Timestamp = ts
	if seq > 0 {
		a.PrevAction = &prev
	}
	return a
}

func TestCheckStructure(t *testing.T) {
	prev := hash.FromContent([]byte("prev"))
	eh := hash.FromContent([]byte("entry"))
	author := hash.FromContent([]byte("author"))

	valid := []Action{
		chained(NewDna(hash.FromContent([]byte("dna"))), author, 0, prev, 1),
		chained(NewAgentValidationPkg(nil), author, 1, prev, 2),
		chained(NewCreate(AppEntryType(0, 0, Public), eh), author, 3, prev, 3),
		chained(NewUpdate(AppEntryType(0, 0, Public), eh, prev, eh), author, 4, prev, 4),
		chained(NewDelete(prev, eh), author, 5, prev, 5),
		chained(NewCreateLink(eh, prev, 1, []byte("tag")), author, 6, prev, 6),
		chained(NewDeleteLink(prev, eh), author, 7, prev, 7),
		chained(NewCloseChain(prev), author, 8, prev, 8),
	}
	for _, a := range valid {
		if err := a.CheckStructure(); err != nil {
			t.Errorf("%s: unexpected error %v", a.Type, err)
		}
	}

	invalid := map[string]Action{
		"dna not at root":     chained(NewDna(prev), author, 2, prev, 1),
		"create at root":      chained(NewCreate(AppEntryType(0, 0, Public), eh), author, 0, prev, 1),
		"create missing hash": chained(Action{Type: ActionCreate, EntryType: &EntryType{Kind: EntryApp}}, author, 1, prev, 1),
		"delete with base":    chained(Action{Type: ActionDelete, DeletesAction: &prev, DeletesEntry: &eh, Base: &eh}, author, 1, prev, 1),
		"unknown type":        chained(Action{Type: 99}, author, 1, prev, 1),
	}
	for name, a := range invalid {
		if err := a.CheckStructure(); !errors.Is(err, ErrInvalidStructure) {
			t.Errorf("%s: expected ErrInvalidStructure, got %v", name, err)
		}
	}
}

func TestActionEncoding_RoundTripAndDeterministic(t *testing.T) {
	agent := newTestAgent(t)
	prev := hash.FromContent([]byte("prev"))
	entry := NewAppEntry([]byte(`{"value":"hi"}`))
	a := chained(NewCreateLink(entry.Hash(), prev, 2, []byte("t")), agent.key, 9, prev, 1_700_000_000_000_000)

	b1 := a.Bytes()
	b2 := a.Bytes()
	if !bytes.Equal(b1, b2) {
		t.Fatal("encoding should be deterministic")
	}

	var decoded Action
	if err := codec.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Hash() != a.Hash() {
		t.Fatal("decoded action should hash identically")
	}

	op := ProduceOps(agent.sign(a), nil)[2]
	raw := codec.MustMarshal(&op)
	var decodedOp Op
	if err := codec.Unmarshal(raw, &decodedOp); err != nil {
		t.Fatalf("Unmarshal op: %v", err)
	}
	if decodedOp.Hash() != op.Hash() {
		t.Fatal("decoded op should hash identically")
	}
	if !decodedOp.SignedAction.VerifySignature() {
		t.Fatal("decoded op signature should still verify")
	}
}

func TestProduceOps(t *testing.T) {
	agent := newTestAgent(t)
	prev := hash.FromContent([]byte("prev"))
	pub := NewAppEntry([]byte("public"))
	priv := NewAppEntry([]byte("private"))

	tests := []struct {
		name   string
		action Action
		entry  *Entry
		want   []OpType
	}{
		{"public create", NewCreate(AppEntryType(0, 0, Public), pub.Hash()), &pub,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity, OpStoreEntry}},
		{"private create", NewCreate(AppEntryType(0, 1, Private), priv.Hash()), &priv,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity}},
		{"update", NewUpdate(AppEntryType(0, 0, Public), pub.Hash(), prev, prev), &pub,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity, OpStoreEntry, OpRegisterUpdate}},
		{"delete", NewDelete(prev, prev), nil,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity, OpRegisterDelete}},
		{"create link", NewCreateLink(prev, prev, 0, nil), nil,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity, OpRegisterCreateLink}},
		{"init", NewInitZomesComplete(), nil,
			[]OpType{OpStoreRecord, OpRegisterAgentActivity}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa := agent.sign(chained(tt.action, agent.key, 4, prev, 10))
			ops := ProduceOps(sa, tt.entry)
			if len(ops) != len(tt.want) {
				t.Fatalf("expected %d ops, got %d", len(tt.want), len(ops))
			}
			for i, op := range ops {
				if op.Type != tt.want[i] {
					t.Errorf("op %d: expected %s, got %s", i, tt.want[i], op.Type)
				}
				if err := op.CheckShape(); err != nil {
					t.Errorf("op %d: %v", i, err)
				}
				if _, err := op.Basis(); err != nil {
					t.Errorf("op %d basis: %v", i, err)
				}
			}
			if tt.action.IsPrivateEntry() && ops[0].Entry != nil {
				t.Fatal("private entry must not ride along on StoreRecord")
			}
		})
	}
}

func TestOpBasis(t *testing.T) {
	agent := newTestAgent(t)
	prev := hash.FromContent([]byte("prev"))
	e := NewAppEntry([]byte("x"))
	sa := agent.sign(chained(NewCreate(AppEntryType(0, 0, Public), e.Hash()), agent.key, 3, prev, 5))

	ops := ProduceOps(sa, &e)
	want := map[OpType]hash.Hash{
		OpStoreRecord:           sa.Hash(),
		OpRegisterAgentActivity: agent.key,
		OpStoreEntry:            e.Hash(),
	}
	for _, op := range ops {
		b, err := op.Basis()
		if err != nil {
			t.Fatalf("Basis: %v", err)
		}
		if b != want[op.Type] {
			t.Errorf("%s: wrong basis", op.Type)
		}
	}
}

func TestOpHash_IgnoresEntryAndSignature(t *testing.T) {
	agent := newTestAgent(t)
	e := NewAppEntry([]byte("x"))
	sa := agent.sign(chained(NewCreate(AppEntryType(0, 0, Public), e.Hash()), agent.key, 3, hash.Zero, 5))

	with := Op{Type: OpStoreRecord, SignedAction: &sa, Entry: &e}
	stripped := sa
	stripped.Signature = crypto.Signature{}
	without := Op{Type: OpStoreRecord, SignedAction: &stripped}
	if with.Hash() != without.Hash() {
		t.Fatal("op identity should only depend on type and action")
	}
	other := Op{Type: OpRegisterAgentActivity, SignedAction: &sa}
	if other.Hash() == with.Hash() {
		t.Fatal("different op types must have different hashes")
	}
}

func TestWarrantOp(t *testing.T) {
	validator := newTestAgent(t)
	bad := newTestAgent(t)
	content := WarrantContent{
		Warrantor:  validator.key,
		Warrantee:  bad.key,
		ActionHash: hash.FromContent([]byte("bad action")),
		OpType:     OpStoreEntry,
		Reason:     "nope",
		Timestamp:  42,
	}
	w := Warrant{Content: content, Signature: crypto.Sign(validator.priv, content.Bytes())}
	op := Op{Type: OpChainIntegrityWarrant, Warrant: &w}

	if !w.VerifySignature() {
		t.Fatal("warrant should verify")
	}
	basis, err := op.Basis()
	if err != nil || basis != bad.key {
		t.Fatalf("warrant basis should be the warrantee, got %v %v", basis.Short(), err)
	}
	if op.Author() != validator.key {
		t.Fatal("warrant author should be the warrantor")
	}
	if err := op.CheckShape(); err != nil {
		t.Fatalf("CheckShape: %v", err)
	}
}

func TestSignedValidationReceipt_Verify(t *testing.T) {
	v1, v2 := newTestAgent(t), newTestAgent(t)
	r := ValidationReceipt{
		OpHash:         hash.FromContent([]byte("op")),
		Status:         StatusValid,
		WhenIntegrated: 7,
		Validators:     []hash.Hash{v1.key, v2.key},
	}
	data := r.Bytes()
	signed := SignedValidationReceipt{
		Receipt:    r,
		Signatures: []crypto.Signature{crypto.Sign(v1.priv, data), crypto.Sign(v2.priv, data)},
	}
	if err := signed.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	signed.Signatures[0], signed.Signatures[1] = signed.Signatures[1], signed.Signatures[0]
	if err := signed.Verify(); !errors.Is(err, ErrReceiptSignature) {
		t.Fatalf("expected signature error for swapped signatures, got %v", err)
	}
}

func TestCapGrant_Authorizes(t *testing.T) {
	alice := hash.FromContent([]byte("alice"))
	bob := hash.FromContent([]byte("bob"))
	secret := bytes.Repeat([]byte{7}, CapSecretLength)

	g := CapGrant{
		Tag:       "assigned",
		Secret:    secret,
		Assignees: []hash.Hash{alice},
		Functions: []GrantedFunction{{Zome: "posts", Fn: "create"}},
	}
	if !g.Authorizes(alice, secret, "posts", "create") {
		t.Fatal("assignee with secret should be authorized")
	}
	if g.Authorizes(bob, secret, "posts", "create") {
		t.Fatal("non-assignee should be refused")
	}
	if g.Authorizes(alice, secret, "posts", "delete") {
		t.Fatal("ungranted function should be refused")
	}

	decoded, err := DecodeCapGrant(g.Entry())
	if err != nil {
		t.Fatalf("DecodeCapGrant: %v", err)
	}
	if decoded.Tag != g.Tag || !bytes.Equal(decoded.Secret, g.Secret) {
		t.Fatal("decoded grant should match")
	}
}

func TestAgentEntryHashIsAgentKey(t *testing.T) {
	agent := newTestAgent(t)
	if NewAgentEntry(agent.key).Hash() != agent.key {
		t.Fatal("agent entry should hash to the agent key")
	}
}
