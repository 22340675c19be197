package workflow

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/sysval"
	"github.com/ssd-technologies/holonet/internal/types"
)

// IncomingOps stores ops received from publish, fetch or gossip as Pending.
// Ops failing signature or shape checks are dropped, ops already held are
// skipped. It returns how many ops were new.
func (w *Workspace) IncomingOps(ctx context.Context, ops []types.Op, from hash.Hash) (int, error) {
	verified := ops[:0:0]
	for i := range ops {
		op := &ops[i]
		if err := sysval.CheckIncoming(op, nil); err != nil {
			metrics.OpsIncoming.WithLabelValues("invalid").Inc()
			w.logger.Warn("drop incoming op", "from", from.Short(), "err", err)
			continue
		}
		verified = append(verified, *op)
	}
	if len(verified) == 0 {
		return 0, nil
	}

	now := w.now()
	stored, woken := 0, 0
	err := w.cfg.Dht.Write(ctx, func(tx *store.Txn) error {
		stored, woken = 0, 0
		for i := range verified {
			op := &verified[i]
			ok, err := tx.InsertOp(op, store.OpFlags{Stage: types.StagePending, WhenReceived: now})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stored++
			n, err := wakeDependents(tx, depKeys(op)...)
			if err != nil {
				return err
			}
			woken += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store incoming ops: %w", err)
	}

	for i := range verified {
		if w.cfg.Pool != nil {
			w.cfg.Pool.Complete(verified[i].Hash())
		}
	}
	metrics.OpsIncoming.WithLabelValues("stored").Add(float64(stored))
	metrics.OpsIncoming.WithLabelValues("duplicate").Add(float64(len(verified) - stored))
	if stored > 0 || woken > 0 {
		w.Triggers.SysValidation.Fire()
	}
	if woken > 0 {
		w.Triggers.AppValidation.Fire()
	}
	w.logger.Debug("incoming ops", "from", from.Short(), "received", len(ops), "stored", stored, "woken", woken)
	return stored, nil
}

// Wake re-queues ops parked on any of deps, for data that reached the Dht
// database without passing through IncomingOps.
func (w *Workspace) Wake(ctx context.Context, deps ...hash.Hash) error {
	var woken int
	err := w.cfg.Dht.Write(ctx, func(tx *store.Txn) (err error) {
		woken, err = wakeDependents(tx, deps...)
		return err
	})
	if err != nil {
		return fmt.Errorf("wake dependents: %w", err)
	}
	if woken > 0 {
		w.Triggers.SysValidation.Fire()
		w.Triggers.AppValidation.Fire()
	}
	return nil
}

// WakeOps is Wake for every hash an op satisfies.
func (w *Workspace) WakeOps(ctx context.Context, ops []types.Op) error {
	var deps []hash.Hash
	for i := range ops {
		deps = append(deps, depKeys(&ops[i])...)
	}
	return w.Wake(ctx, deps...)
}

// depKeys are the hashes an op can satisfy: its own hash, its action hash
// and its entry hash.
func depKeys(op *types.Op) []hash.Hash {
	keys := []hash.Hash{op.Hash()}
	if op.IsWarrant() {
		return keys
	}
	keys = append(keys, op.ActionHash())
	if op.Entry != nil {
		keys = append(keys, op.Entry.Hash())
	}
	return keys
}

// wakeDependents moves ops waiting on deps back to the stage that retries
// them and returns how many moved.
func wakeDependents(tx *store.Txn, deps ...hash.Hash) (int, error) {
	n := 0
	for _, dep := range deps {
		waiting, err := tx.OpsAwaiting(dep)
		if err != nil {
			return 0, err
		}
		for _, h := range waiting {
			row, err := tx.GetOp(h)
			if err != nil {
				return 0, err
			}
			switch row.Stage {
			case types.StageAwaitingSysDeps:
				if err := tx.ClearDependencies(h, store.DepSys); err != nil {
					return 0, err
				}
				if err := tx.SetValidationStage(h, types.StagePending); err != nil {
					return 0, err
				}
			case types.StageAwaitingAppDeps:
				if err := tx.ClearDependencies(h, store.DepApp); err != nil {
					return 0, err
				}
				if err := tx.SetValidationStage(h, types.StageSysValidated); err != nil {
					return 0, err
				}
			default:
				continue
			}
			n++
		}
	}
	return n, nil
}
