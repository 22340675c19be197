package cell

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// TimestampWindow is how far in the future a call's expiry may lie. A call
// is rejected once its expiry has passed.
const TimestampWindow = 5 * time.Minute

// NonceLength is the byte length of a zome call nonce.
const NonceLength = 32

const nonceCacheSize = 100_000

// ErrUnauthorized is wrapped by every authorization failure.
var ErrUnauthorized = errors.New("unauthorized zome call")

// NetworkError reports a call that needed data no reachable peer had.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationFailedError reports a commit or init rejected by validation.
type ValidationFailedError struct {
	Zome   string
	Reason string
}

func (e *ValidationFailedError) Error() string {
	if e.Zome != "" {
		return fmt.Sprintf("validation failed in zome %s: %s", e.Zome, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// Outcome names how a call ended. It labels metrics and is the tag of the
// wire response.
func Outcome(err error) string {
	var (
		netErr *NetworkError
		invErr *ValidationFailedError
		moved  *chain.HeadMovedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &invErr):
		return "validation_failed"
	case errors.As(err, &moved):
		return "head_moved"
	}
	return "internal_error"
}

// ZomeCall is the signed part of a call.
type ZomeCall struct {
	Cell       types.CellID    `cbor:"1,keyasint" json:"cell_id"`
	Zome       string          `cbor:"2,keyasint" json:"zome_name"`
	Fn         string          `cbor:"3,keyasint" json:"fn_name"`
	Payload    []byte          `cbor:"4,keyasint" json:"payload"`
	CapSecret  []byte          `cbor:"5,keyasint,omitempty" json:"cap_secret,omitempty"`
	Provenance hash.Hash       `cbor:"6,keyasint" json:"provenance"`
	Nonce      []byte          `cbor:"7,keyasint" json:"nonce"`
	ExpiresAt  types.Timestamp `cbor:"8,keyasint" json:"expires_at"`
}

// Bytes is the canonical encoding the signature covers.
func (z *ZomeCall) Bytes() []byte {
	return codec.MustMarshal(z)
}

// SignedZomeCall is a call plus the provenance's signature over it.
type SignedZomeCall struct {
	ZomeCall
	Signature crypto.Signature `json:"signature"`
}

// NewNonce returns a fresh random nonce.
func NewNonce() []byte {
	n := make([]byte, NonceLength)
	if _, err := rand.Read(n); err != nil {
		panic(fmt.Sprintf("read random nonce: %v", err))
	}
	return n
}

// SignZomeCall signs z as z.Provenance. Empty nonce and expiry are filled
// with a fresh nonce and now plus the window.
func SignZomeCall(ctx context.Context, signer chain.Signer, z ZomeCall) (SignedZomeCall, error) {
	if len(z.Nonce) == 0 {
		z.Nonce = NewNonce()
	}
	if z.ExpiresAt == 0 {
		z.ExpiresAt = types.Now().Add(TimestampWindow)
	}
	sig, err := signer.Sign(ctx, z.Provenance, z.Bytes())
	if err != nil {
		return SignedZomeCall{}, fmt.Errorf("sign zome call: %w", err)
	}
	return SignedZomeCall{ZomeCall: z, Signature: sig}, nil
}

type nonceKey struct {
	agent hash.Hash
	nonce [NonceLength]byte
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// authorize checks expiry, signature and nonce, then lets the call through
// when it comes from the cell's own agent or a live grant covers it.
func (c *Cell) authorize(ctx context.Context, call *SignedZomeCall) error {
	if call.Cell != c.id {
		return unauthorized("call addressed to %s", call.Cell)
	}
	if len(call.Nonce) != NonceLength {
		return unauthorized("nonce must be %d bytes", NonceLength)
	}
	now := types.FromTime(c.cfg.Clock.Now())
	if call.ExpiresAt.Before(now) {
		return unauthorized("call expired %s ago", now.Sub(call.ExpiresAt))
	}
	if drift := call.ExpiresAt.Sub(now); drift > TimestampWindow {
		return unauthorized("expiry %s ahead exceeds %v window", drift, TimestampWindow)
	}
	if !crypto.Verify(call.Provenance.PublicKey(), call.Bytes(), call.Signature) {
		return unauthorized("ed25519 signature verification failed")
	}

	key := nonceKey{agent: call.Provenance, nonce: [NonceLength]byte(call.Nonce)}
	c.nonceMu.Lock()
	seen := c.nonces.Contains(key)
	if !seen {
		c.nonces.Add(key, struct{}{})
	}
	c.nonceMu.Unlock()
	if seen {
		return unauthorized("nonce already used")
	}

	if call.Provenance == c.id.Agent {
		return nil
	}
	ok, err := c.granted(ctx, call)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized("no grant lets %s call %s/%s", call.Provenance.Short(), call.Zome, call.Fn)
	}
	return nil
}

// granted looks for a live CapGrant on the chain that covers the call.
// Updated and deleted grants are no longer live.
func (c *Cell) granted(ctx context.Context, call *SignedZomeCall) (bool, error) {
	recs, err := c.chain.Query(ctx, store.ActionFilter{
		Types: []types.ActionType{types.ActionCreate, types.ActionUpdate, types.ActionDelete},
	})
	if errors.Is(err, chain.ErrChainEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	revoked := make(map[hash.Hash]bool)
	for i := range recs {
		a := recs[i].Action()
		switch a.Type {
		case types.ActionDelete:
			revoked[*a.DeletesAction] = true
		case types.ActionUpdate:
			revoked[*a.OriginalAction] = true
		}
	}
	for i := range recs {
		r := &recs[i]
		if r.Entry == nil || r.Entry.Kind != types.EntryCapGrant || revoked[r.ActionHash()] {
			continue
		}
		g, err := types.DecodeCapGrant(*r.Entry)
		if err != nil {
			c.logger.Warn("undecodable cap grant", "action", r.ActionHash().Short(), "err", err)
			continue
		}
		if g.Authorizes(call.Provenance, call.CapSecret, call.Zome, call.Fn) {
			return true, nil
		}
	}
	return false, nil
}

// CallOption adjusts one call.
type CallOption func(*callOptions)

type callOptions struct {
	ordering chain.FlushMode
}

// WithOrdering sets how the call's writes treat a head that moved while it
// ran. The default is chain.Strict.
func WithOrdering(m chain.FlushMode) CallOption {
	return func(o *callOptions) { o.ordering = m }
}

// Call authorizes and runs a zome function, then commits whatever it wrote.
// Errors are ErrUnauthorized, *NetworkError, *ValidationFailedError,
// *chain.HeadMovedError, or the zome's own failure.
func (c *Cell) Call(ctx context.Context, call SignedZomeCall, opts ...CallOption) (out []byte, err error) {
	o := callOptions{ordering: chain.Strict}
	for _, opt := range opts {
		opt(&o)
	}
	defer func() {
		metrics.ZomeCalls.WithLabelValues(Outcome(err)).Inc()
		if err != nil {
			c.logger.Debug("zome call failed", "zome", call.Zome, "fn", call.Fn, "outcome", Outcome(err), "err", err)
		}
	}()

	if err := c.authorize(ctx, &call); err != nil {
		return nil, err
	}
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}
	h, err := c.newHost(ctx)
	if err != nil {
		return nil, err
	}
	out, err = c.cfg.Ribosome.CallZome(ctx, h, ribosome.Call{Zome: call.Zome, Fn: call.Fn, Payload: call.Payload})
	if err != nil {
		var unresolved *ribosome.UnresolvedError
		if errors.As(err, &unresolved) {
			return nil, &NetworkError{Err: err}
		}
		return nil, fmt.Errorf("call %s/%s: %w", call.Zome, call.Fn, err)
	}
	if _, err := c.commit(ctx, h, o.ordering); err != nil {
		return nil, err
	}
	return out, nil
}

// ensureInit runs the init callbacks once, before the first call.
func (c *Cell) ensureInit(ctx context.Context) error {
	if c.initialized.Load() {
		return nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized.Load() {
		return nil
	}
	done, err := c.chain.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if done {
		c.initialized.Store(true)
		return nil
	}

	h, err := c.newHost(ctx)
	if err != nil {
		return err
	}
	res, err := c.cfg.Ribosome.RunInit(ctx, h)
	if err != nil {
		return fmt.Errorf("run init: %w", err)
	}
	switch res.Verdict {
	case ribosome.Invalid:
		return &ValidationFailedError{Zome: res.Zome, Reason: "init: " + res.Reason}
	case ribosome.Unresolved:
		return &NetworkError{Err: &ribosome.UnresolvedError{Deps: res.Deps}}
	}
	h.scratch.Put(types.NewInitZomesComplete(), nil)
	if _, err := c.commit(ctx, h, chain.Relaxed); err != nil {
		return err
	}
	c.initialized.Store(true)
	c.logger.Info("cell initialized")
	return nil
}

// GrantCapability commits a grant to the cell's chain.
func (c *Cell) GrantCapability(ctx context.Context, g types.CapGrant) (hash.Hash, error) {
	h, err := c.newHost(ctx)
	if err != nil {
		return hash.Hash{}, err
	}
	e := g.Entry()
	h.scratch.Put(types.NewCreate(types.CapGrantEntryType, e.Hash()), &e)
	hashes, err := c.commit(ctx, h, chain.Relaxed)
	if err != nil {
		return hash.Hash{}, err
	}
	c.logger.Info("capability granted", "tag", g.Tag, "action", hashes[0].Short())
	return hashes[0], nil
}

// commit validates the scratch, flushes it and wakes the pipeline.
func (c *Cell) commit(ctx context.Context, h *host, mode chain.FlushMode) ([]hash.Hash, error) {
	if h.scratch.Len() == 0 {
		return nil, nil
	}
	if err := c.validateScratch(ctx, h); err != nil {
		return nil, err
	}
	hashes, err := c.chain.Flush(ctx, h.scratch, mode)
	if err != nil {
		return nil, err
	}
	c.committed(ctx, hashes)
	return hashes, nil
}

// validateScratch runs the structural check and the DNA's validation on
// every op the scratch would produce. Reads see the scratch itself.
func (c *Cell) validateScratch(ctx context.Context, h *host) error {
	for _, rec := range h.scratch.Records() {
		if err := rec.Action().CheckStructure(); err != nil {
			return &ValidationFailedError{Reason: err.Error()}
		}
		for _, op := range types.ProduceOps(rec.SignedAction, rec.Entry) {
			res, err := c.cfg.Ribosome.RunValidation(ctx, &op, h)
			if err != nil {
				return fmt.Errorf("validate %s: %w", op.Type, err)
			}
			switch res.Verdict {
			case ribosome.Invalid:
				return &ValidationFailedError{Reason: res.Reason}
			case ribosome.Unresolved:
				return &NetworkError{Err: &ribosome.UnresolvedError{Deps: res.Deps}}
			}
		}
	}
	return nil
}

// committed tells the pipeline about new authored ops: parked ops waiting
// on them wake, publish runs and gossip skips its success delay.
func (c *Cell) committed(ctx context.Context, hashes []hash.Hash) {
	var ops []types.Op
	for _, ah := range hashes {
		rec, err := c.chain.Get(ctx, ah)
		if err != nil {
			c.logger.Warn("read committed record", "action", ah.Short(), "err", err)
			continue
		}
		ops = append(ops, types.ProduceOps(rec.SignedAction, rec.Entry)...)
	}
	if err := c.ws.WakeOps(ctx, ops); err != nil {
		c.logger.Warn("wake dependents of committed ops", "err", err)
	}
	c.ws.Triggers.Publish.Fire()
	c.gossip.NewIntegratedData()
}
