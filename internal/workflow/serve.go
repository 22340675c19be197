package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/cascade"
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/network"
)

// ErrUnhandledKind is returned by Serve for envelope kinds it does not own.
var ErrUnhandledKind = errors.New("unhandled message kind")

// Serve answers the pipeline's network messages addressed to this cell.
func (w *Workspace) Serve(ctx context.Context, env *network.Envelope) ([]byte, error) {
	switch env.Kind {
	case network.KindPublish:
		var body network.PublishBody
		if err := env.Decode(&body); err != nil {
			return nil, err
		}
		return nil, w.HandlePublish(ctx, env.From, body)

	case network.KindFetchOps:
		var req network.FetchOpsRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return reply(ServeFetchOps(ctx, w.cfg.Dht, req))

	case network.KindReceipts:
		var body network.ReceiptsBody
		if err := env.Decode(&body); err != nil {
			return nil, err
		}
		return nil, w.HandleReceipts(ctx, env.From, body)

	case network.KindGet:
		var req network.GetRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return reply(cascade.ServeGet(ctx, w.cfg.Dht, req))

	case network.KindGetLinks:
		var req network.GetLinksRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return reply(cascade.ServeGetLinks(ctx, w.cfg.Dht, req))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnhandledKind, env.Kind)
}

func reply[T any](resp T, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return codec.Marshal(resp)
}
