package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

// DefaultAgentInfoExpiry is how long a signed agent info stays valid.
const DefaultAgentInfoExpiry = 20 * time.Minute

// ErrAgentInfoSignature is returned for agent infos that fail verification.
var ErrAgentInfoSignature = errors.New("agent info signature")

// AgentInfoContent is the signed part of an AgentInfo.
type AgentInfoContent struct {
	Space     hash.Hash       `cbor:"1,keyasint" json:"space"`
	Agent     hash.Hash       `cbor:"2,keyasint" json:"agent"`
	Arc       Arc             `cbor:"3,keyasint" json:"arc"`
	URL       string          `cbor:"4,keyasint" json:"url"`
	SignedAt  types.Timestamp `cbor:"5,keyasint" json:"signed_at"`
	ExpiresAt types.Timestamp `cbor:"6,keyasint" json:"expires_at"`
}

// AgentInfo advertises where an agent can be reached and which part of the
// ring it stores.
type AgentInfo struct {
	AgentInfoContent `cbor:"1,keyasint" json:"content"`
	Signature        crypto.Signature `cbor:"2,keyasint" json:"signature"`
}

// Signer produces signatures for an agent; keystore.Keystore satisfies it.
type Signer interface {
	Sign(ctx context.Context, agent hash.Hash, data []byte) (crypto.Signature, error)
}

// SignAgentInfo signs content on behalf of content.Agent.
func SignAgentInfo(ctx context.Context, s Signer, content AgentInfoContent) (AgentInfo, error) {
	sig, err := s.Sign(ctx, content.Agent, codec.MustMarshal(content))
	if err != nil {
		return AgentInfo{}, fmt.Errorf("sign agent info: %w", err)
	}
	return AgentInfo{AgentInfoContent: content, Signature: sig}, nil
}

// Verify checks the signature.
func (a *AgentInfo) Verify() error {
	if !crypto.Verify(a.Agent.PublicKey(), codec.MustMarshal(a.AgentInfoContent), a.Signature) {
		return fmt.Errorf("%w: %s", ErrAgentInfoSignature, a.Agent.Short())
	}
	return nil
}

// Expired reports whether the info is past its expiry at now.
func (a *AgentInfo) Expired(now time.Time) bool {
	return !a.ExpiresAt.Time().After(now)
}
