package workflow

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/store"
)

// Integrate makes every valid, unintegrated op visible to the DHT in one
// transaction. Ops stored on behalf of other authors inside our arc owe
// their author a validation receipt.
func (w *Workspace) Integrate(ctx context.Context) (queue.Outcome, error) {
	arc := w.cfg.Arc()
	now := w.now()
	var integrated, receipts int
	err := w.cfg.Dht.Write(ctx, func(tx *store.Txn) error {
		integrated, receipts = 0, 0
		rows, err := tx.ReadyToIntegrate()
		if err != nil {
			return err
		}
		for _, r := range rows {
			requires := !r.IsAuthored && r.Op.Author() != w.cfg.Agent && arc.Contains(r.Basis.Loc())
			if err := tx.SetIntegrated(r.Hash, now, requires); err != nil {
				return err
			}
			integrated++
			if requires {
				receipts++
			}
		}
		return nil
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("integrate ops: %w", err)
	}
	if integrated == 0 {
		return queue.Complete, nil
	}

	metrics.OpsIntegrated.Add(float64(integrated))
	w.logger.Debug("integrated ops", "count", integrated, "owing_receipts", receipts)
	if w.cfg.OnIntegrated != nil {
		w.cfg.OnIntegrated(integrated)
	}
	return queue.Complete, nil
}
