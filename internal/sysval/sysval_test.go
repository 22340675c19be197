package sysval

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

type mapLookup struct {
	actions  map[hash.Hash]*types.SignedAction
	entries  map[hash.Hash]bool
	activity map[hash.Hash]bool
}

func newLookup() *mapLookup {
	return &mapLookup{
		actions:  make(map[hash.Hash]*types.SignedAction),
		entries:  make(map[hash.Hash]bool),
		activity: make(map[hash.Hash]bool),
	}
}

func (l *mapLookup) add(sa types.SignedAction) {
	l.actions[sa.Hash()] = &sa
	if eh, _, ok := sa.Action.Entry(); ok {
		l.entries[eh] = true
	}
}

func (l *mapLookup) Action(_ context.Context, h hash.Hash) (*types.SignedAction, error) {
	if sa, ok := l.actions[h]; ok {
		return sa, nil
	}
	return nil, store.ErrNotFound
}

func (l *mapLookup) LocalAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	return l.Action(ctx, h)
}

func (l *mapLookup) Exists(_ context.Context, h hash.Hash) (bool, error) {
	_, ok := l.actions[h]
	return ok || l.entries[h], nil
}

func (l *mapLookup) ActivityIntegrated(_ context.Context, h hash.Hash) (bool, error) {
	return l.activity[h], nil
}

type author struct {
	priv ed25519.PrivateKey
	key  hash.Hash
	prev *types.SignedAction
	ts   types.Timestamp
}

func newAuthor(t *testing.T) *author {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &author{priv: priv, key: hash.FromAgentKey(pub), ts: 1_700_000_000_000_000}
}

func (a *author) sign(act types.Action) types.SignedAction {
	return types.SignedAction{Action: act, Signature: crypto.Sign(a.priv, act.Bytes())}
}

func (a *author) next(act types.Action) types.SignedAction {
	act.Author = a.key
	a.ts = a.ts.Add(time.Millisecond)
	act.Timestamp = a.ts
	if a.prev != nil {
		ph := a.prev.Hash()
		act.PrevAction = &ph
		act.Seq = a.prev.Action.Seq + 1
	}
	sa := a.sign(act)
	a.prev = &sa
	return sa
}

// genesis writes Dna, AgentValidationPkg and the agent entry into l.
func (a *author) genesis(l *mapLookup) {
	l.add(a.next(types.NewDna(hash.FromContent([]byte("dna")))))
	l.add(a.next(types.NewAgentValidationPkg(nil)))
	agent := types.NewAgentEntry(a.key)
	l.add(a.next(types.NewCreate(types.AgentEntryType, agent.Hash())))
}

func storeRecord(sa types.SignedAction, e *types.Entry) *types.Op {
	return &types.Op{Type: types.OpStoreRecord, SignedAction: &sa, Entry: e}
}

func wantInvalid(t *testing.T, err error, reason string) {
	t.Helper()
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
	if !strings.Contains(inv.Reason, reason) {
		t.Fatalf("reason %q does not mention %q", inv.Reason, reason)
	}
}

func wantMissing(t *testing.T, err error, dep hash.Hash) {
	t.Helper()
	var m *MissingError
	if !errors.As(err, &m) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if len(m.Deps) != 1 || m.Deps[0] != dep {
		t.Fatalf("deps = %v, want [%s]", m.Deps, dep.Short())
	}
}

func TestValidCreatePasses(t *testing.T) {
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	e := types.NewAppEntry([]byte("hi"))
	sa := a.next(types.NewCreate(types.AppEntryType(0, 0, types.Public), e.Hash()))

	for _, op := range types.ProduceOps(sa, &e) {
		if err := Validate(context.Background(), &op, l); err != nil {
			t.Fatalf("%s: %v", op.Type, err)
		}
	}
}

func TestBadSignatureRejectedFirst(t *testing.T) {
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	sa := a.next(types.NewInitZomesComplete())
	sa.Signature[0] ^= 0xff
	// prev is also unknown; the signature check must win.
	delete(l.actions, *sa.Action.PrevAction)

	wantInvalid(t, Validate(context.Background(), storeRecord(sa, nil), l), "signature")
}

func TestMissingPrevIsDependency(t *testing.T) {
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	prev := a.next(types.NewInitZomesComplete())
	sa := a.next(types.NewInitZomesComplete())

	err := Validate(context.Background(), storeRecord(sa, nil), l)
	wantMissing(t, err, prev.Hash())

	l.add(prev)
	if err := Validate(context.Background(), storeRecord(sa, nil), l); err != nil {
		t.Fatalf("after prev arrives: %v", err)
	}
}

func TestSeqAndTimestampMustFollowPrev(t *testing.T) {
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	head := *a.prev
	ph := head.Hash()

	gap := types.NewInitZomesComplete()
	gap.Author = a.key
	gap.PrevAction = &ph
	gap.Seq = head.Action.Seq + 2
	gap.Timestamp = head.Action.Timestamp.Add(time.Second)
	wantInvalid(t, Validate(context.Background(), storeRecord(a.sign(gap), nil), l), "seq")

	stale := gap
	stale.Seq = head.Action.Seq + 1
	stale.Timestamp = head.Action.Timestamp
	wantInvalid(t, Validate(context.Background(), storeRecord(a.sign(stale), nil), l), "timestamp")
}

func TestEntryChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("hash mismatch", func(t *testing.T) {
		l := newLookup()
		a := newAuthor(t)
		a.genesis(l)
		e := types.NewAppEntry([]byte("hi"))
		other := types.NewAppEntry([]byte("bye"))
		sa := a.next(types.NewCreate(types.AppEntryType(0, 0, types.Public), e.Hash()))
		wantInvalid(t, Validate(ctx, storeRecord(sa, &other), l), "entry hash")
	})

	t.Run("kind mismatch", func(t *testing.T) {
		l := newLookup()
		a := newAuthor(t)
		a.genesis(l)
		e := types.NewAppEntry([]byte("hi"))
		sa := a.next(types.NewCreate(types.CapGrantEntryType, e.Hash()))
		wantInvalid(t, Validate(ctx, storeRecord(sa, &e), l), "entry kind")
	})

	t.Run("too large", func(t *testing.T) {
		l := newLookup()
		a := newAuthor(t)
		a.genesis(l)
		e := types.NewAppEntry(make([]byte, MaxEntrySize))
		sa := a.next(types.NewCreate(types.AppEntryType(0, 0, types.Public), e.Hash()))
		wantInvalid(t, Validate(ctx, storeRecord(sa, &e), l), "exceeds")
	})
}

func TestUpdateAndDeleteTargets(t *testing.T) {
	ctx := context.Background()
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	et := types.AppEntryType(0, 1, types.Public)
	e1 := types.NewAppEntry([]byte("v1"))
	create := a.next(types.NewCreate(et, e1.Hash()))
	l.add(create)
	link := a.next(types.NewCreateLink(e1.Hash(), e1.Hash(), 0, []byte("t")))
	l.add(link)

	e2 := types.NewAppEntry([]byte("v2"))
	upd := a.next(types.NewUpdate(et, e2.Hash(), create.Hash(), e2.Hash()))
	wantInvalid(t, Validate(ctx, storeRecord(upd, nil), l), "original entry")

	a.prev = &link
	l.add(link)
	retyped := a.next(types.NewUpdate(types.AppEntryType(0, 2, types.Public), e2.Hash(), create.Hash(), e1.Hash()))
	wantInvalid(t, Validate(ctx, storeRecord(retyped, nil), l), "entry type")

	a.prev = &link
	del := a.next(types.NewDelete(link.Hash(), e1.Hash()))
	wantInvalid(t, Validate(ctx, storeRecord(del, nil), l), "delete of CreateLink")

	a.prev = &link
	unknown := hash.FromContent([]byte("nowhere"))
	orphan := a.next(types.NewDelete(unknown, e1.Hash()))
	wantMissing(t, Validate(ctx, storeRecord(orphan, nil), l), unknown)
}

func TestLinkChecks(t *testing.T) {
	ctx := context.Background()
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	base := hash.FromContent([]byte("base"))
	head := *a.prev

	bigTag := a.next(types.NewCreateLink(a.key, base, 0, make([]byte, MaxTagSize)))
	wantInvalid(t, Validate(ctx, storeRecord(bigTag, nil), l), "tag")

	a.prev = &head
	unresolved := a.next(types.NewCreateLink(base, a.key, 0, []byte("x")))
	wantMissing(t, Validate(ctx, storeRecord(unresolved, nil), l), base)

	a.prev = &head
	ok := a.next(types.NewCreateLink(a.key, base, 0, []byte("x")))
	if err := Validate(ctx, storeRecord(ok, nil), l); err != nil {
		t.Fatalf("link from agent key: %v", err)
	}
	l.add(ok)

	del := a.next(types.NewDeleteLink(ok.Hash(), a.key))
	if err := Validate(ctx, storeRecord(del, nil), l); err != nil {
		t.Fatalf("delete link: %v", err)
	}

	a.prev = &ok
	wrong := a.next(types.NewDeleteLink(head.Hash(), a.key))
	wantInvalid(t, Validate(ctx, storeRecord(wrong, nil), l), "delete link of")
}

func TestActivityGapIsDependency(t *testing.T) {
	ctx := context.Background()
	l := newLookup()
	a := newAuthor(t)
	a.genesis(l)
	gap := a.next(types.NewInitZomesComplete())
	mid := a.next(types.NewCreateLink(a.key, a.key, 0, nil))
	last := a.next(types.NewDeleteLink(mid.Hash(), a.key))
	l.add(mid)

	op := &types.Op{Type: types.OpRegisterAgentActivity, SignedAction: &last}
	// The store record only needs prev, the activity op needs the full chain.
	if err := Validate(ctx, storeRecord(last, nil), l); err != nil {
		t.Fatalf("store record: %v", err)
	}
	wantMissing(t, Validate(ctx, op, l), gap.Hash())

	l.add(gap)
	if err := Validate(ctx, op, l); err != nil {
		t.Fatalf("after gap filled: %v", err)
	}

	// A checked ancestor ends the walk.
	delete(l.actions, gap.Hash())
	l.activity[mid.Hash()] = true
	if err := Validate(ctx, op, l); err != nil {
		t.Fatalf("with integrated ancestor: %v", err)
	}
}

func TestWarrantChecks(t *testing.T) {
	ctx := context.Background()
	l := newLookup()
	bad := newAuthor(t)
	bad.genesis(l)
	offending := *bad.prev
	validator := newAuthor(t)

	mk := func(c types.WarrantContent, signer *author) *types.Op {
		return &types.Op{Type: types.OpChainIntegrityWarrant, Warrant: &types.Warrant{
			Content:   c,
			Signature: crypto.Sign(signer.priv, c.Bytes()),
		}}
	}
	content := types.WarrantContent{
		Warrantor:  validator.key,
		Warrantee:  bad.key,
		ActionHash: offending.Hash(),
		OpType:     types.OpStoreRecord,
		Reason:     "nope",
		Timestamp:  types.Now(),
	}
	if err := Validate(ctx, mk(content, validator), l); err != nil {
		t.Fatalf("valid warrant: %v", err)
	}

	forged := mk(content, bad)
	wantInvalid(t, Validate(ctx, forged, l), "warrant signature")

	self := content
	self.Warrantor = bad.key
	wantInvalid(t, Validate(ctx, mk(self, bad), l), "self warrant")

	unknown := content
	unknown.ActionHash = hash.FromContent([]byte("x"))
	wantMissing(t, Validate(ctx, mk(unknown, validator), l), unknown.ActionHash)
}

func TestCheckIncomingHash(t *testing.T) {
	a := newAuthor(t)
	sa := a.next(types.NewDna(hash.FromContent([]byte("dna"))))
	op := storeRecord(sa, nil)
	h := op.Hash()
	if err := CheckIncoming(op, &h); err != nil {
		t.Fatalf("CheckIncoming: %v", err)
	}
	other := hash.FromContent([]byte("other"))
	if !IsInvalid(CheckIncoming(op, &other)) {
		t.Fatal("mismatched hash should be invalid")
	}
}
