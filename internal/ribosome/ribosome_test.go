package ribosome

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

type missingFetcher struct{}

func (missingFetcher) MustGetAction(_ context.Context, h hash.Hash) (*types.SignedAction, error) {
	return nil, &UnresolvedError{Deps: []hash.Hash{h}}
}

func (missingFetcher) MustGetEntry(_ context.Context, h hash.Hash) (*types.Entry, error) {
	return nil, &UnresolvedError{Deps: []hash.Hash{h}}
}

func postOp(value string) *types.Op {
	body, _ := json.Marshal(Post{Value: value})
	e := types.NewAppEntry(body)
	a := types.NewCreate(postType, e.Hash())
	return &types.Op{Type: types.OpStoreEntry, SignedAction: &types.SignedAction{Action: a}, Entry: &e}
}

func TestExampleValidation(t *testing.T) {
	ctx := context.Background()
	rb := Example()

	res, err := rb.RunValidation(ctx, postOp("hi"), missingFetcher{})
	if err != nil || res.Verdict != Valid {
		t.Fatalf("hi: %+v, %v", res, err)
	}

	res, err = rb.RunValidation(ctx, postOp("nope"), missingFetcher{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != Invalid || res.Reason != "nope" {
		t.Fatalf("nope: got %+v", res)
	}
}

func TestUnresolvedDependencies(t *testing.T) {
	orig := hash.FromContent([]byte("orig"))
	body, _ := json.Marshal(Post{Value: "v2"})
	e := types.NewAppEntry(body)
	a := types.NewUpdate(postType, e.Hash(), orig, hash.FromContent([]byte("old")))
	op := &types.Op{Type: types.OpRegisterUpdate, SignedAction: &types.SignedAction{Action: a}}

	res, err := Example().RunValidation(context.Background(), op, missingFetcher{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != Unresolved || len(res.Deps) != 1 || res.Deps[0] != orig {
		t.Fatalf("got %+v", res)
	}
}

func TestWarrantsSkipCallbacks(t *testing.T) {
	called := false
	rb := NewInline(Zome{Name: "z", Validate: func(context.Context, *types.Op, Fetcher) error {
		called = true
		return errors.New("no")
	}})
	op := &types.Op{Type: types.OpChainIntegrityWarrant, Warrant: &types.Warrant{}}
	res, err := rb.RunValidation(context.Background(), op, missingFetcher{})
	if err != nil || res.Verdict != Valid || called {
		t.Fatalf("warrant: %+v %v called=%v", res, err, called)
	}
}

func TestSystemOpsGoToEveryZome(t *testing.T) {
	var seen []string
	mk := func(name string) Zome {
		return Zome{Name: name, Validate: func(context.Context, *types.Op, Fetcher) error {
			seen = append(seen, name)
			return nil
		}}
	}
	rb := NewInline(mk("a"), mk("b"))
	op := &types.Op{Type: types.OpStoreRecord, SignedAction: &types.SignedAction{Action: types.NewInitZomesComplete()}}
	if _, err := rb.RunValidation(context.Background(), op, missingFetcher{}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("zomes run: %v", seen)
	}

	seen = nil
	link := types.NewCreateLink(hash.Zero, hash.Zero, 1, nil)
	op = &types.Op{Type: types.OpRegisterCreateLink, SignedAction: &types.SignedAction{Action: link}}
	if _, err := rb.RunValidation(context.Background(), op, missingFetcher{}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "b" {
		t.Fatalf("link validated by %v, want [b]", seen)
	}
}

func TestCallZomeErrors(t *testing.T) {
	rb := Example()
	if _, err := rb.CallZome(context.Background(), nil, Call{Zome: "x", Fn: "create"}); !errors.Is(err, ErrZomeNotFound) {
		t.Fatalf("unknown zome: %v", err)
	}
	if _, err := rb.CallZome(context.Background(), nil, Call{Zome: "posts", Fn: "x"}); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("unknown fn: %v", err)
	}
}

func TestInitFailureNamesZome(t *testing.T) {
	rb := NewInline(
		Zome{Name: "ok"},
		Zome{Name: "bad", Init: func(context.Context, Host) error { return errors.New("no membrane") }},
	)
	res, err := rb.RunInit(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != Invalid || res.Zome != "bad" || res.Reason != "no membrane" {
		t.Fatalf("got %+v", res)
	}
}
