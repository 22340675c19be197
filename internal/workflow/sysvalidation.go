package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/sysval"
	"github.com/ssd-technologies/holonet/internal/types"
)

type sysResult struct {
	op   hash.Hash
	err  error
	deps []hash.Hash
}

// SysValidation runs the system checks on Pending ops and retries ops
// parked on missing dependencies, at most once per SysValidationRetry each.
// A retry goes back through the cascade, so a dependency held only by a
// remote authority is found once that authority is reachable. Lookups happen
// outside the write transaction; results are committed together.
func (w *Workspace) SysValidation(ctx context.Context) (queue.Outcome, error) {
	var rows []store.OpRow
	err := w.cfg.Dht.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.OpsByStage(w.tuning.BatchSize, types.StagePending)
		if err != nil || len(rows) >= w.tuning.BatchSize {
			return err
		}
		parked, err := tx.OpsByStage(w.tuning.BatchSize-len(rows), types.StageAwaitingSysDeps)
		rows = append(rows, parked...)
		return err
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("load pending ops: %w", err)
	}
	defer w.sysRetry.Cleanup()
	if len(rows) == 0 {
		return queue.Complete, nil
	}

	fresh := 0
	results := make([]sysResult, 0, len(rows))
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		// Every attempt opens the op's retry window, so a freshly parked op
		// also waits a full gap before its first retry.
		allowed := w.sysRetry.Allow(rows[i].Hash)
		if rows[i].Stage == types.StagePending {
			fresh++
		} else if !allowed {
			continue
		}
		err := sysval.Validate(ctx, &rows[i].Op, w.cfg.Cascade)
		var miss *sysval.MissingError
		switch {
		case err == nil, sysval.IsInvalid(err):
			results = append(results, sysResult{op: rows[i].Hash, err: err})
		case errors.As(err, &miss):
			results = append(results, sysResult{op: rows[i].Hash, err: err, deps: miss.Deps})
		default:
			w.logger.Warn("sys validation lookup failed", "op", rows[i].Hash.Short(), "err", err)
		}
	}

	var valid, rejected, parked, rewoken int
	err = w.cfg.Dht.Write(ctx, func(tx *store.Txn) error {
		valid, rejected, parked, rewoken = 0, 0, 0, 0
		for _, r := range results {
			switch {
			case r.err == nil:
				if err := tx.ClearDependencies(r.op, store.DepSys); err != nil {
					return err
				}
				if err := tx.SetValidationStage(r.op, types.StageSysValidated); err != nil {
					return err
				}
				valid++
			case r.deps == nil:
				if err := tx.SetValidationStatus(r.op, types.StatusRejected); err != nil {
					return err
				}
				rejected++
			default:
				present := false
				for _, dep := range r.deps {
					if err := tx.RecordDependency(r.op, dep, store.DepSys); err != nil {
						return err
					}
					ok, err := holds(tx, dep)
					if err != nil {
						return err
					}
					present = present || ok
				}
				if present {
					// A dependency landed while the op was being checked.
					if err := tx.ClearDependencies(r.op, store.DepSys); err != nil {
						return err
					}
					if err := tx.SetValidationStage(r.op, types.StagePending); err != nil {
						return err
					}
					rewoken++
					continue
				}
				if err := tx.SetValidationStage(r.op, types.StageAwaitingSysDeps); err != nil {
					return err
				}
				parked++
			}
		}
		return nil
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("commit sys validation: %w", err)
	}

	for _, r := range results {
		switch {
		case r.err == nil:
			w.sysRetry.Forget(r.op)
		case r.deps == nil:
			w.sysRetry.Forget(r.op)
			w.logger.Info("op rejected by sys validation", "op", r.op.Short(), "reason", r.err)
			w.fact("sys_validation", r.op, "rejected", r.err.Error())
		default:
			w.fact("sys_validation", r.op, "awaiting", r.err.Error())
		}
	}
	metrics.OpsValidated.WithLabelValues("sys", "valid").Add(float64(valid))
	metrics.OpsValidated.WithLabelValues("sys", "invalid").Add(float64(rejected))
	metrics.OpsValidated.WithLabelValues("sys", "missing").Add(float64(parked))
	w.logger.Debug("sys validation", "valid", valid, "rejected", rejected, "awaiting", parked)

	if rewoken > 0 {
		return queue.Incomplete, nil
	}
	return outcome(fresh, w.tuning.BatchSize), nil
}

// holds reports whether dep, an action or entry hash, is stored.
func holds(tx *store.Txn, dep hash.Hash) (bool, error) {
	ok, err := tx.HasAction(dep)
	if err != nil || ok {
		return ok, err
	}
	return tx.HasEntry(dep)
}
