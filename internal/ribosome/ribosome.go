// Package ribosome defines how the runtime calls into application code and
// provides an implementation backed by plain Go functions.
package ribosome

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

var (
	ErrZomeNotFound     = errors.New("zome not found")
	ErrFunctionNotFound = errors.New("zome function not found")
)

// Verdict is the outcome of a validation or init callback.
type Verdict int

const (
	Valid Verdict = iota
	Invalid
	Unresolved
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	case Unresolved:
		return "UnresolvedDependencies"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ValidateResult is returned by RunValidation.
type ValidateResult struct {
	Verdict Verdict
	Reason  string
	Deps    []hash.Hash
}

// InitResult is returned by RunInit. Valid means pass.
type InitResult struct {
	Verdict Verdict
	Zome    string
	Reason  string
	Deps    []hash.Hash
}

// UnresolvedError is returned by Fetcher lookups that cannot find a hash.
// Validation callbacks may return it as is; it becomes an Unresolved verdict.
type UnresolvedError struct {
	Deps []hash.Hash
}

func (e *UnresolvedError) Error() string {
	parts := make([]string, len(e.Deps))
	for i, d := range e.Deps {
		parts[i] = d.Short()
	}
	return "unresolved dependencies: " + strings.Join(parts, ", ")
}

// Fetcher is the read access validation callbacks get. Lookups that cannot
// be satisfied return *UnresolvedError.
type Fetcher interface {
	MustGetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error)
	MustGetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error)
}

// Host is a cell as seen by zome functions.
type Host interface {
	Fetcher
	AgentKey() hash.Hash
	Create(ctx context.Context, et types.EntryType, e types.Entry) (hash.Hash, error)
	Update(ctx context.Context, original hash.Hash, e types.Entry) (hash.Hash, error)
	Delete(ctx context.Context, action hash.Hash) (hash.Hash, error)
	CreateLink(ctx context.Context, base, target hash.Hash, zome uint8, tag []byte) (hash.Hash, error)
	DeleteLink(ctx context.Context, createLink hash.Hash) (hash.Hash, error)
	Get(ctx context.Context, h hash.Hash) (*types.Record, error)
	GetLinks(ctx context.Context, base hash.Hash, tagPrefix []byte) ([]store.Link, error)
	Query(ctx context.Context, f store.ActionFilter) ([]types.Record, error)
}

// Call is one zome function invocation.
type Call struct {
	Zome    string
	Fn      string
	Payload []byte
}

// Ribosome runs application code for one DNA.
type Ribosome interface {
	Zomes() []string
	CallZome(ctx context.Context, host Host, call Call) ([]byte, error)
	RunValidation(ctx context.Context, op *types.Op, f Fetcher) (ValidateResult, error)
	RunInit(ctx context.Context, host Host) (InitResult, error)
}

// Registry resolves a DNA's ribosome by DNA name.
type Registry struct {
	byName map[string]Ribosome
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Ribosome)}
}

// Register binds name to r, replacing any earlier binding.
func (r *Registry) Register(name string, rb Ribosome) {
	r.byName[name] = rb
}

// Lookup returns the ribosome registered for name.
func (r *Registry) Lookup(name string) (Ribosome, bool) {
	rb, ok := r.byName[name]
	return rb, ok
}
