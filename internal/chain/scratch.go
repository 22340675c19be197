package chain

import (
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

type scratchItem struct {
	action types.Action
	entry  *types.Entry
}

// Scratch holds actions written during one call, not yet committed. It is
// not safe for concurrent use.
type Scratch struct {
	author hash.Hash
	base   *Head
	items  []scratchItem
	now    func() types.Timestamp
}

// Base returns the head the scratch builds on, nil for an empty chain.
func (s *Scratch) Base() *Head { return s.base }

// Len returns the number of pending actions.
func (s *Scratch) Len() int { return len(s.items) }

func (s *Scratch) tip() (prev *hash.Hash, seq uint32, ts types.Timestamp, ok bool) {
	if n := len(s.items); n > 0 {
		a := &s.items[n-1].action
		h := a.Hash()
		return &h, a.Seq + 1, a.Timestamp, true
	}
	if s.base != nil {
		h := s.base.Action
		return &h, s.base.Seq + 1, s.base.Timestamp, true
	}
	return nil, 0, 0, false
}

// Put appends an action built from a variant constructor. The chain fields
// (author, seq, prev, timestamp) are filled here; the returned hash is the
// action's address unless a relaxed flush later rebases it.
func (s *Scratch) Put(a types.Action, entry *types.Entry) hash.Hash {
	prev, seq, prevTs, ok := s.tip()
	a.Author = s.author
	a.PrevAction = prev
	a.Seq = seq
	if ok {
		a.Timestamp = nextTimestamp(s.now(), prevTs)
	} else {
		a.Timestamp = s.now()
	}
	s.items = append(s.items, scratchItem{action: a, entry: entry})
	return a.Hash()
}

// Records returns the pending actions as unsigned records.
func (s *Scratch) Records() []types.Record {
	out := make([]types.Record, len(s.items))
	for i, it := range s.items {
		out[i] = types.Record{SignedAction: types.SignedAction{Action: it.action}, Entry: it.entry}
	}
	return out
}

// rebased returns a copy of the scratch with every item's chain fields
// rewritten onto head. s itself is left untouched.
func (s *Scratch) rebased(head *Head) *Scratch {
	out := &Scratch{author: s.author, base: head, now: s.now, items: make([]scratchItem, 0, len(s.items))}
	for _, it := range s.items {
		prev, seq, prevTs, ok := out.tip()
		a := it.action
		a.PrevAction = prev
		a.Seq = seq
		if ok {
			a.Timestamp = nextTimestamp(a.Timestamp, prevTs)
		}
		out.items = append(out.items, scratchItem{action: a, entry: it.entry})
	}
	return out
}

func (s *Scratch) reset(head *Head) {
	s.base = head
	s.items = nil
}
