package ribosome

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/ssd-technologies/holonet/internal/types"
)

// ZomeFn is an exported zome function.
type ZomeFn func(ctx context.Context, host Host, payload []byte) ([]byte, error)

// ValidateFn judges one op. Returning *UnresolvedError parks the op; any
// other error invalidates it.
type ValidateFn func(ctx context.Context, op *types.Op, f Fetcher) error

// InitFn runs once per cell before its first zome call.
type InitFn func(ctx context.Context, host Host) error

// Zome is a set of Go functions standing in for compiled application code.
type Zome struct {
	Name      string
	Functions map[string]ZomeFn
	Validate  ValidateFn
	Init      InitFn
}

// Inline is a Ribosome whose zomes are Go functions.
type Inline struct {
	zomes []Zome
}

// NewInline builds a ribosome over zomes. Zome indexes follow argument order.
func NewInline(zomes ...Zome) *Inline {
	return &Inline{zomes: zomes}
}

func (r *Inline) Zomes() []string {
	names := make([]string, len(r.zomes))
	for i, z := range r.zomes {
		names[i] = z.Name
	}
	return names
}

// Functions returns a copy of a zome's function table, or nil when the zome
// is unknown. Callers may extend the copy to build a derived ribosome.
func (r *Inline) Functions(zome string) map[string]ZomeFn {
	z, ok := r.zome(zome)
	if !ok {
		return nil
	}
	return maps.Clone(z.Functions)
}

func (r *Inline) zome(name string) (*Zome, bool) {
	for i := range r.zomes {
		if r.zomes[i].Name == name {
			return &r.zomes[i], true
		}
	}
	return nil, false
}

func (r *Inline) CallZome(ctx context.Context, host Host, call Call) ([]byte, error) {
	z, ok := r.zome(call.Zome)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrZomeNotFound, call.Zome)
	}
	fn, ok := z.Functions[call.Fn]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFunctionNotFound, call.Zome, call.Fn)
	}
	return fn(ctx, host, call.Payload)
}

// targets picks the zomes that validate op: the owning zome for app entries
// and links, every zome otherwise.
func (r *Inline) targets(op *types.Op) []*Zome {
	a := op.Action()
	idx := -1
	switch {
	case a.EntryType != nil && a.EntryType.Kind == types.EntryApp:
		idx = int(a.EntryType.ZomeIndex)
	case a.Type == types.ActionCreateLink:
		idx = int(a.ZomeIndex)
	}
	if idx >= 0 && idx < len(r.zomes) {
		return []*Zome{&r.zomes[idx]}
	}
	out := make([]*Zome, len(r.zomes))
	for i := range r.zomes {
		out[i] = &r.zomes[i]
	}
	return out
}

func (r *Inline) RunValidation(ctx context.Context, op *types.Op, f Fetcher) (ValidateResult, error) {
	if op.IsWarrant() {
		return ValidateResult{Verdict: Valid}, nil
	}
	for _, z := range r.targets(op) {
		if z.Validate == nil {
			continue
		}
		err := z.Validate(ctx, op, f)
		if err == nil {
			continue
		}
		var unresolved *UnresolvedError
		if errors.As(err, &unresolved) {
			return ValidateResult{Verdict: Unresolved, Deps: unresolved.Deps}, nil
		}
		return ValidateResult{Verdict: Invalid, Reason: err.Error()}, nil
	}
	return ValidateResult{Verdict: Valid}, nil
}

func (r *Inline) RunInit(ctx context.Context, host Host) (InitResult, error) {
	for _, z := range r.zomes {
		if z.Init == nil {
			continue
		}
		err := z.Init(ctx, host)
		if err == nil {
			continue
		}
		var unresolved *UnresolvedError
		if errors.As(err, &unresolved) {
			return InitResult{Verdict: Unresolved, Zome: z.Name, Deps: unresolved.Deps}, nil
		}
		return InitResult{Verdict: Invalid, Zome: z.Name, Reason: err.Error()}, nil
	}
	return InitResult{Verdict: Valid}, nil
}
