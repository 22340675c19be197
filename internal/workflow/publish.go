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

// Publish announces authored ops that still lack MinReceipts receipts to
// the closest authorities of their basis. Each (op, authority) pair is
// announced at most once per MinPublishInterval.
func (w *Workspace) Publish(ctx context.Context) (queue.Outcome, error) {
	if w.cfg.Network == nil || w.cfg.Peers == nil {
		return queue.Complete, nil
	}
	now := w.now()
	var rows []store.OpRow
	err := w.cfg.Authored.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.OpsToPublish(now,
			w.tuning.MinPublishInterval.Microseconds(),
			w.tuning.MaxPublishInterval.Microseconds(),
			w.tuning.MinReceipts)
		return err
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("load ops to publish: %w", err)
	}
	if len(rows) == 0 {
		return queue.Complete, nil
	}

	exclude := map[hash.Hash]bool{w.cfg.Agent: true}
	byAgent := make(map[hash.Hash][]types.OpRef)
	var agents []hash.Hash
	for i := range rows {
		r := &rows[i]
		for _, auth := range w.cfg.Peers.ClosestN(r.Basis.Loc(), w.tuning.RedundancyFactor, exclude) {
			if w.published.Contains(publishKey{r.Hash, auth.Agent}) {
				continue
			}
			if _, ok := byAgent[auth.Agent]; !ok {
				agents = append(agents, auth.Agent)
			}
			byAgent[auth.Agent] = append(byAgent[auth.Agent], r.Ref())
		}
	}

	sent := make(map[hash.Hash]bool)
	for _, agent := range agents {
		refs := byAgent[agent]
		err := network.Notify(ctx, w.cfg.Network, network.KindPublish, w.cfg.Dna, w.cfg.Agent, agent,
			network.PublishBody{Ops: refs, Context: fetch.ContextRequestValidationReceipt})
		if err != nil {
			metrics.OpsPublished.WithLabelValues("error").Add(float64(len(refs)))
			w.logger.Debug("publish", "to", agent.Short(), "ops", len(refs), "err", err)
			continue
		}
		metrics.OpsPublished.WithLabelValues("sent").Add(float64(len(refs)))
		for _, ref := range refs {
			w.published.Add(publishKey{ref.Hash, agent}, struct{}{})
			sent[ref.Hash] = true
		}
	}
	if len(sent) == 0 {
		return queue.Complete, nil
	}

	err = w.cfg.Authored.Write(ctx, func(tx *store.Txn) error {
		for h := range sent {
			if err := tx.SetLastPublish(h, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("record publish: %w", err)
	}
	w.logger.Debug("published ops", "ops", len(sent), "authorities", len(agents))
	return queue.Complete, nil
}
