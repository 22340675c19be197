// Package network carries messages between agents. An Envelope addresses an
// agent in a space; the Network delivers it to whichever conductor hosts
// that agent, in this process (Hub) or over websockets (WS).
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

var (
	// ErrUnknownPeer is returned when no route to the target agent exists.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("network request timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("network closed")
)

// DefaultRequestTimeout applies to requests whose context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// Kind identifies the payload of an envelope.
type Kind uint8

const (
	KindPublish Kind = iota + 1
	KindFetchOps
	KindGet
	KindReceipts
	KindGossip
	KindGetLinks
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindFetchOps:
		return "fetch_ops"
	case KindGet:
		return "get"
	case KindReceipts:
		return "receipts"
	case KindGossip:
		return "gossip"
	case KindGetLinks:
		return "get_links"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the unit every transport moves.
type Envelope struct {
	ID    string    `cbor:"1,keyasint"`
	Kind  Kind      `cbor:"2,keyasint"`
	Space hash.Hash `cbor:"3,keyasint"`
	From  hash.Hash `cbor:"4,keyasint"`
	To    hash.Hash `cbor:"5,keyasint"`
	// Request is set when the sender waits for a reply.
	Request bool `cbor:"6,keyasint,omitempty"`
	// Reply is set on responses; ID matches the request.
	Reply bool   `cbor:"7,keyasint,omitempty"`
	Error string `cbor:"8,keyasint,omitempty"`
	Body  []byte `cbor:"9,keyasint,omitempty"`
}

// NewEnvelope encodes body into an envelope with a fresh id.
func NewEnvelope(kind Kind, space, from, to hash.Hash, body any) (*Envelope, error) {
	b, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return &Envelope{
		ID:    uuid.NewString(),
		Kind:  kind,
		Space: space,
		From:  from,
		To:    to,
		Body:  b,
	}, nil
}

// Decode unmarshals the body into v.
func (e *Envelope) Decode(v any) error {
	if err := codec.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}

func (e *Envelope) reply(body []byte, err error) *Envelope {
	r := &Envelope{
		ID:    e.ID,
		Kind:  e.Kind,
		Space: e.Space,
		From:  e.To,
		To:    e.From,
		Reply: true,
		Body:  body,
	}
	if err != nil {
		r.Error = err.Error()
		r.Body = nil
	}
	return r
}

// RemoteError carries a handler failure back to the requester.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

// Handler serves envelopes addressed to one local agent. The returned bytes
// become the reply body for requests and are discarded otherwise.
type Handler func(ctx context.Context, env *Envelope) ([]byte, error)

// Network is the capability cells use to reach other agents.
type Network interface {
	// Join routes envelopes for agent in space to h.
	Join(space, agent hash.Hash, h Handler)
	// Leave removes the route.
	Leave(space, agent hash.Hash)
	// Send delivers env without waiting for the remote handler.
	Send(ctx context.Context, env *Envelope) error
	// Request delivers env and waits for the reply body.
	Request(ctx context.Context, env *Envelope) ([]byte, error)
}

// Call encodes req, sends it as a request and decodes the reply into resp.
func Call(ctx context.Context, n Network, kind Kind, space, from, to hash.Hash, req, resp any) error {
	env, err := NewEnvelope(kind, space, from, to, req)
	if err != nil {
		return err
	}
	body, err := n.Request(ctx, env)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := codec.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", kind, err)
	}
	return nil
}

// Notify encodes body and sends it without waiting.
func Notify(ctx context.Context, n Network, kind Kind, space, from, to hash.Hash, body any) error {
	env, err := NewEnvelope(kind, space, from, to, body)
	if err != nil {
		return err
	}
	return n.Send(ctx, env)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

type route struct {
	space hash.Hash
	agent hash.Hash
}
