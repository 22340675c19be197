package network

import (
	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// PublishBody announces ops to an authority, which then fetches them.
type PublishBody struct {
	Ops     []types.OpRef `cbor:"1,keyasint"`
	Context fetch.Context `cbor:"2,keyasint"`
}

// FetchOpsRequest asks for full ops by hash.
type FetchOpsRequest struct {
	Ops []hash.Hash `cbor:"1,keyasint"`
}

// FetchOpsResponse returns the integrated ops among those requested.
type FetchOpsResponse struct {
	Ops []types.Op `cbor:"1,keyasint"`
}

// GetRequest asks an authority for everything it holds at a basis.
type GetRequest struct {
	Hash hash.Hash `cbor:"1,keyasint"`
}

// GetResponse carries integrated ops on the basis.
type GetResponse struct {
	Ops []types.Op `cbor:"1,keyasint"`
}

// GetLinksRequest asks a base authority for its links.
type GetLinksRequest struct {
	Base      hash.Hash `cbor:"1,keyasint"`
	TagPrefix []byte    `cbor:"2,keyasint,omitempty"`
}

// GetLinksResponse carries live links.
type GetLinksResponse struct {
	Links []store.Link `cbor:"1,keyasint"`
}

// ReceiptsBody delivers validation receipts to an op author.
type ReceiptsBody struct {
	Receipts []types.SignedValidationReceipt `cbor:"1,keyasint"`
}
