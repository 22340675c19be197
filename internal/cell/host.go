package cell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// host is the ribosome.Host handed to one zome call. Writes go to the
// call's scratch; reads see the scratch first, then the cascade.
type host struct {
	cell    *Cell
	scratch *chain.Scratch
}

var _ ribosome.Host = (*host)(nil)

func (c *Cell) newHost(ctx context.Context) (*host, error) {
	s, err := c.chain.NewScratch(ctx)
	if err != nil {
		return nil, err
	}
	return &host{cell: c, scratch: s}, nil
}

func (h *host) AgentKey() hash.Hash { return h.cell.id.Agent }

func (h *host) Create(_ context.Context, et types.EntryType, e types.Entry) (hash.Hash, error) {
	return h.scratch.Put(types.NewCreate(et, e.Hash()), &e), nil
}

func (h *host) Update(ctx context.Context, original hash.Hash, e types.Entry) (hash.Hash, error) {
	sa, err := h.MustGetAction(ctx, original)
	if err != nil {
		return hash.Hash{}, err
	}
	entryHash, et, ok := sa.Action.Entry()
	if !ok {
		return hash.Hash{}, fmt.Errorf("update %s: %s has no entry", original.Short(), sa.Action.Type)
	}
	return h.scratch.Put(types.NewUpdate(et, e.Hash(), original, entryHash), &e), nil
}

func (h *host) Delete(ctx context.Context, action hash.Hash) (hash.Hash, error) {
	sa, err := h.MustGetAction(ctx, action)
	if err != nil {
		return hash.Hash{}, err
	}
	entryHash, _, ok := sa.Action.Entry()
	if !ok {
		return hash.Hash{}, fmt.Errorf("delete %s: %s has no entry", action.Short(), sa.Action.Type)
	}
	return h.scratch.Put(types.NewDelete(action, entryHash), nil), nil
}

func (h *host) CreateLink(_ context.Context, base, target hash.Hash, zome uint8, tag []byte) (hash.Hash, error) {
	return h.scratch.Put(types.NewCreateLink(base, target, zome, tag), nil), nil
}

func (h *host) DeleteLink(ctx context.Context, createLink hash.Hash) (hash.Hash, error) {
	sa, err := h.MustGetAction(ctx, createLink)
	if err != nil {
		return hash.Hash{}, err
	}
	if sa.Action.Type != types.ActionCreateLink || sa.Action.Base == nil {
		return hash.Hash{}, fmt.Errorf("delete link %s: not a link", createLink.Short())
	}
	return h.scratch.Put(types.NewDeleteLink(createLink, *sa.Action.Base), nil), nil
}

// pending finds an uncommitted record by action or entry hash.
func (h *host) pending(target hash.Hash) (*types.Record, bool) {
	recs := h.scratch.Records()
	for i := len(recs) - 1; i >= 0; i-- {
		r := &recs[i]
		if r.ActionHash() == target {
			return r, true
		}
		if eh, _, ok := r.Action().Entry(); ok && eh == target {
			return r, true
		}
	}
	return nil, false
}

func (h *host) Get(ctx context.Context, target hash.Hash) (*types.Record, error) {
	if r, ok := h.pending(target); ok {
		return r, nil
	}
	return h.cell.cascade.Get(ctx, target)
}

func (h *host) MustGetAction(ctx context.Context, target hash.Hash) (*types.SignedAction, error) {
	if r, ok := h.pending(target); ok && r.ActionHash() == target {
		sa := r.SignedAction
		return &sa, nil
	}
	return h.cell.cascade.MustGetAction(ctx, target)
}

func (h *host) MustGetEntry(ctx context.Context, target hash.Hash) (*types.Entry, error) {
	if r, ok := h.pending(target); ok && r.Entry != nil && r.Entry.Hash() == target {
		e := *r.Entry
		return &e, nil
	}
	return h.cell.cascade.MustGetEntry(ctx, target)
}

func (h *host) GetLinks(ctx context.Context, base hash.Hash, tagPrefix []byte) ([]store.Link, error) {
	links, err := h.cell.cascade.GetLinks(ctx, base, tagPrefix)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	deleted := make(map[hash.Hash]bool)
	for _, r := range h.scratch.Records() {
		a := r.Action()
		switch a.Type {
		case types.ActionCreateLink:
			if *a.Base == base && bytes.HasPrefix(a.Tag, tagPrefix) {
				links = append(links, store.Link{
					CreateLink: r.ActionHash(),
					Base:       base,
					Target:     *a.Target,
					ZomeIndex:  a.ZomeIndex,
					Tag:        a.Tag,
					Author:     a.Author,
					Timestamp:  a.Timestamp,
				})
			}
		case types.ActionDeleteLink:
			deleted[*a.LinkAddAction] = true
		}
	}
	return slices.DeleteFunc(links, func(l store.Link) bool { return deleted[l.CreateLink] }), nil
}

func (h *host) Query(ctx context.Context, f store.ActionFilter) ([]types.Record, error) {
	recs, err := h.cell.chain.Query(ctx, f)
	if err != nil && !errors.Is(err, chain.ErrChainEmpty) {
		return nil, err
	}
	var fresh []types.Record
	for _, r := range h.scratch.Records() {
		if matches(r.Action(), f) {
			fresh = append(fresh, r)
		}
	}
	if f.Descending {
		slices.Reverse(fresh)
		return append(fresh, recs...), nil
	}
	return append(recs, fresh...), nil
}

func matches(a *types.Action, f store.ActionFilter) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, a.Type) {
		return false
	}
	if f.EntryKind != 0 {
		_, et, ok := a.Entry()
		return ok && et.Kind == f.EntryKind
	}
	return true
}
