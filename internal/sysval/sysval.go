// Package sysval holds the structural checks every op passes before app
// validation. The checks are pure apart from dependency lookups, and run in
// a fixed order so the first failure decides the outcome.
package sysval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

const (
	// MaxEntrySize is the largest entry body accepted, exclusive.
	MaxEntrySize = 16_000_000
	// MaxTagSize is the largest link tag accepted, exclusive.
	MaxTagSize = 1000
)

// InvalidError rejects an op for good.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid op: " + e.Reason }

func invalid(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// MissingError parks an op until Deps arrive.
type MissingError struct {
	Deps []hash.Hash
}

func (e *MissingError) Error() string {
	parts := make([]string, len(e.Deps))
	for i, d := range e.Deps {
		parts[i] = d.Short()
	}
	return "missing dependencies: " + strings.Join(parts, ", ")
}

func missing(deps ...hash.Hash) error {
	return &MissingError{Deps: deps}
}

// IsInvalid reports whether err rejects the op.
func IsInvalid(err error) bool {
	var inv *InvalidError
	return errors.As(err, &inv)
}

// Lookup resolves dependencies. Implementations return store.ErrNotFound
// when the hash cannot be found.
type Lookup interface {
	// Action may consult the network.
	Action(ctx context.Context, h hash.Hash) (*types.SignedAction, error)
	// LocalAction consults only local databases.
	LocalAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error)
	// Exists reports whether an action or entry with hash h can be found.
	Exists(ctx context.Context, h hash.Hash) (bool, error)
	// ActivityIntegrated reports whether the RegisterAgentActivity op of the
	// action is integrated locally, which means its own chain was checked.
	ActivityIntegrated(ctx context.Context, actionHash hash.Hash) (bool, error)
}

// CheckIncoming runs the checks that need no lookups: signature, shape and
// the expected op hash when known. Incoming ops failing these are dropped
// without being stored.
func CheckIncoming(op *types.Op, expected *hash.Hash) error {
	if err := op.CheckShape(); err != nil {
		return invalid("%v", err)
	}
	if op.IsWarrant() {
		if !op.Warrant.VerifySignature() {
			return invalid("warrant signature")
		}
	} else if !op.SignedAction.VerifySignature() {
		return invalid("action signature")
	}
	if expected != nil && op.Hash() != *expected {
		return invalid("op hash mismatch")
	}
	return nil
}

// Validate runs every check against op. It returns nil when valid, an
// *InvalidError or *MissingError for data-derived outcomes, and any other
// error for lookup failures.
func Validate(ctx context.Context, op *types.Op, lookup Lookup) error {
	if err := CheckIncoming(op, nil); err != nil {
		return err
	}
	if op.IsWarrant() {
		return validateWarrant(ctx, op.Warrant, lookup)
	}

	a := op.Action()
	if err := a.CheckStructure(); err != nil {
		return invalid("%v", err)
	}

	if prevHash, ok := a.Prev(); ok {
		prev, err := lookup.Action(ctx, prevHash)
		if errors.Is(err, store.ErrNotFound) {
			return missing(prevHash)
		}
		if err != nil {
			return fmt.Errorf("lookup prev action: %w", err)
		}
		if err := checkPrev(a, &prev.Action); err != nil {
			return err
		}
	}

	if err := checkVariant(ctx, op, lookup); err != nil {
		return err
	}

	if op.Type == types.OpRegisterAgentActivity {
		return checkActivity(ctx, a, lookup)
	}
	return nil
}

func checkPrev(a, prev *types.Action) error {
	if prev.Author != a.Author {
		return invalid("prev action by another author")
	}
	if a.Seq != prev.Seq+1 {
		return invalid("seq %d does not follow prev seq %d", a.Seq, prev.Seq)
	}
	if !a.Timestamp.After(prev.Timestamp) {
		return invalid("timestamp %s not after prev %s", a.Timestamp, prev.Timestamp)
	}
	if prev.Type == types.ActionCloseChain {
		return invalid("chain was closed")
	}
	return nil
}

func checkEntry(a *types.Action, e *types.Entry) error {
	eh, et, _ := a.Entry()
	if e.Hash() != eh {
		return invalid("entry hash mismatch")
	}
	if e.Kind != et.Kind {
		return invalid("entry kind %s does not match entry type %s", e.Kind, et.Kind)
	}
	if e.Size() >= MaxEntrySize {
		return invalid("entry of %d bytes exceeds limit", e.Size())
	}
	return nil
}

func checkVariant(ctx context.Context, op *types.Op, lookup Lookup) error {
	a := op.Action()

	if op.Entry != nil {
		if !a.IsNewEntry() {
			return invalid("%s carries an entry", a.Type)
		}
		if err := checkEntry(a, op.Entry); err != nil {
			return err
		}
	}
	if op.Type == types.OpStoreEntry && a.IsPrivateEntry() {
		return invalid("StoreEntry for a private entry")
	}

	switch a.Type {
	case types.ActionUpdate:
		orig, err := resolve(ctx, lookup, *a.OriginalAction)
		if err != nil {
			return err
		}
		oh, ot, ok := orig.Action.Entry()
		if !ok {
			return invalid("update of %s", orig.Action.Type)
		}
		if oh != *a.OriginalEntry {
			return invalid("update original entry does not match original action")
		}
		if ot != *a.EntryType {
			return invalid("update changes entry type")
		}
	case types.ActionDelete:
		target, err := resolve(ctx, lookup, *a.DeletesAction)
		if err != nil {
			return err
		}
		th, _, ok := target.Action.Entry()
		if !ok {
			return invalid("delete of %s", target.Action.Type)
		}
		if th != *a.DeletesEntry {
			return invalid("delete entry does not match deleted action")
		}
	case types.ActionCreateLink:
		if len(a.Tag) >= MaxTagSize {
			return invalid("link tag of %d bytes exceeds limit", len(a.Tag))
		}
		ok, err := lookup.Exists(ctx, *a.Base)
		if err != nil {
			return fmt.Errorf("lookup link base: %w", err)
		}
		if !ok {
			return missing(*a.Base)
		}
	case types.ActionDeleteLink:
		add, err := resolve(ctx, lookup, *a.LinkAddAction)
		if err != nil {
			return err
		}
		if add.Action.Type != types.ActionCreateLink {
			return invalid("delete link of %s", add.Action.Type)
		}
		if *add.Action.Base != *a.Base {
			return invalid("delete link base does not match")
		}
	}
	return nil
}

func resolve(ctx context.Context, lookup Lookup, h hash.Hash) (*types.SignedAction, error) {
	sa, err := lookup.Action(ctx, h)
	if errors.Is(err, store.ErrNotFound) {
		return nil, missing(h)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup action: %w", err)
	}
	return sa, nil
}

// checkActivity walks back from the action until it reaches genesis or an
// action whose activity was already checked. A gap becomes a dependency.
func checkActivity(ctx context.Context, a *types.Action, lookup Lookup) error {
	cur := a
	for {
		prevHash, ok := cur.Prev()
		if !ok {
			return nil
		}
		done, err := lookup.ActivityIntegrated(ctx, prevHash)
		if err != nil {
			return fmt.Errorf("lookup activity: %w", err)
		}
		if done {
			return nil
		}
		prev, err := lookup.LocalAction(ctx, prevHash)
		if errors.Is(err, store.ErrNotFound) {
			return missing(prevHash)
		}
		if err != nil {
			return fmt.Errorf("lookup activity: %w", err)
		}
		if err := checkPrev(cur, &prev.Action); err != nil {
			return err
		}
		cur = &prev.Action
	}
}

func validateWarrant(ctx context.Context, w *types.Warrant, lookup Lookup) error {
	c := &w.Content
	if c.Warrantor == c.Warrantee {
		return invalid("self warrant")
	}
	if c.Reason == "" {
		return invalid("warrant without reason")
	}
	sa, err := resolve(ctx, lookup, c.ActionHash)
	if err != nil {
		return err
	}
	if sa.Action.Author != c.Warrantee {
		return invalid("warranted action not authored by warrantee")
	}
	return nil
}
