package workflow

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// HandlePublish queues the announced ops we do not hold yet for fetching
// from the publisher.
func (w *Workspace) HandlePublish(ctx context.Context, from hash.Hash, body network.PublishBody) error {
	var missing []types.OpRef
	err := w.cfg.Dht.Read(ctx, func(tx *store.Txn) error {
		for _, ref := range body.Ops {
			ok, err := tx.HasOp(ref.Hash)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, ref)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("check published ops: %w", err)
	}
	w.queueFetch(from, missing, body.Context|fetch.ContextPublish)
	return nil
}

// QueueFetch adds op refs learned from source to the fetch pool.
func (w *Workspace) QueueFetch(source hash.Hash, refs []types.OpRef, ctx fetch.Context) {
	w.queueFetch(source, refs, ctx)
}

func (w *Workspace) queueFetch(source hash.Hash, refs []types.OpRef, ctx fetch.Context) {
	if w.cfg.Pool == nil || len(refs) == 0 {
		return
	}
	queued := 0
	for _, ref := range refs {
		if w.cfg.Pool.Push(w.cfg.Dna, ref.Hash, ref.Size, source, ctx) {
			queued++
		}
	}
	metrics.FetchPoolBytes.Set(float64(w.cfg.Pool.Bytes()))
	if queued < len(refs) {
		w.logger.Warn("fetch pool full, dropped ops", "dropped", len(refs)-queued)
	}
	if queued > 0 {
		w.Triggers.Fetch.Fire()
	}
}

// Fetch requests pooled ops from their sources, batching per source, and
// passes what arrives to IncomingOps.
func (w *Workspace) Fetch(ctx context.Context) (queue.Outcome, error) {
	if w.cfg.Pool == nil || w.cfg.Network == nil {
		return queue.Complete, nil
	}
	bySource := make(map[hash.Hash][]hash.Hash)
	var order []hash.Hash
	n := 0
	for n < w.tuning.FetchBatch {
		req, ok := w.cfg.Pool.Next()
		if !ok {
			break
		}
		n++
		// Requests for other spaces belong to another cell's workspace.
		if req.Space != w.cfg.Dna {
			continue
		}
		if _, seen := bySource[req.Source]; !seen {
			order = append(order, req.Source)
		}
		bySource[req.Source] = append(bySource[req.Source], req.Op)
	}

	for _, source := range order {
		if ctx.Err() != nil {
			return queue.Complete, ctx.Err()
		}
		wanted := bySource[source]
		var resp network.FetchOpsResponse
		err := network.Call(ctx, w.cfg.Network, network.KindFetchOps, w.cfg.Dna, w.cfg.Agent, source,
			network.FetchOpsRequest{Ops: wanted}, &resp)
		if err != nil {
			w.cfg.Pool.SourceUnavailable(source)
			w.logger.Debug("fetch ops", "source", source.Short(), "ops", len(wanted), "err", err)
			continue
		}
		asked := make(map[hash.Hash]bool, len(wanted))
		for _, h := range wanted {
			asked[h] = true
		}
		ops := resp.Ops[:0]
		for _, op := range resp.Ops {
			if asked[op.Hash()] {
				ops = append(ops, op)
			}
		}
		if _, err := w.IncomingOps(ctx, ops, source); err != nil {
			return queue.Complete, err
		}
	}
	metrics.FetchPoolBytes.Set(float64(w.cfg.Pool.Bytes()))
	return outcome(n, w.tuning.FetchBatch), nil
}

// ServeFetchOps answers a FetchOps request with the requested ops we hold
// integrated.
func ServeFetchOps(ctx context.Context, db *store.DB, req network.FetchOpsRequest) (network.FetchOpsResponse, error) {
	var resp network.FetchOpsResponse
	err := db.Read(ctx, func(tx *store.Txn) error {
		rows, err := tx.GetOps(req.Ops)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Integrated() {
				resp.Ops = append(resp.Ops, r.Op)
			}
		}
		return nil
	})
	return resp, err
}
