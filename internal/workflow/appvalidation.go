package workflow

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// AppValidation runs the DNA's validation callbacks on sys-validated ops
// and retries ops parked on unresolved dependencies, at most once per
// AppValidationRetry each. The attempt counter is bumped before every
// callback run, so an op interrupted mid-run is retried and eventually
// abandoned rather than run forever.
func (w *Workspace) AppValidation(ctx context.Context) (queue.Outcome, error) {
	var rows []store.OpRow
	err := w.cfg.Dht.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.OpsByStage(w.tuning.BatchSize, types.StageSysValidated, types.StageAwaitingAppDeps)
		return err
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("load sys validated ops: %w", err)
	}

	fresh := 0
	for i := range rows {
		if ctx.Err() != nil {
			return queue.Complete, ctx.Err()
		}
		row := &rows[i]
		if row.Stage == types.StageSysValidated {
			fresh++
		} else if !w.appRetry.Allow(row.Hash) {
			continue
		}
		if err := w.appValidate(ctx, row); err != nil {
			w.logger.Warn("app validation failed", "op", row.Hash.Short(), "err", err)
		}
	}
	w.appRetry.Cleanup()
	return outcome(fresh, w.tuning.BatchSize), nil
}

func (w *Workspace) appValidate(ctx context.Context, row *store.OpRow) error {
	var attempts int
	err := w.cfg.Dht.Write(ctx, func(tx *store.Txn) (err error) {
		attempts, err = tx.BumpAttempt(row.Hash)
		if err != nil {
			return err
		}
		if attempts > w.tuning.AppValidationMaxAttempts {
			return tx.SetValidationStatus(row.Hash, types.StatusAbandoned)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if attempts > w.tuning.AppValidationMaxAttempts {
		w.appRetry.Forget(row.Hash)
		metrics.OpsValidated.WithLabelValues("app", "abandoned").Inc()
		w.fact("app_validation", row.Hash, "abandoned", fmt.Sprintf("%d attempts", attempts-1))
		w.logger.Info("op abandoned", "op", row.Hash.Short(), "attempts", attempts-1)
		return nil
	}

	res := ribosome.ValidateResult{Verdict: ribosome.Valid}
	if !row.Op.IsWarrant() {
		res, err = w.cfg.Ribosome.RunValidation(ctx, &row.Op, w.cfg.Cascade)
		if err != nil {
			return err
		}
	}

	var warrant *types.Op
	if res.Verdict == ribosome.Invalid && !row.Op.IsWarrant() {
		warrant, err = w.warrant(ctx, &row.Op, res.Reason)
		if err != nil {
			return err
		}
	}

	err = w.cfg.Dht.Write(ctx, func(tx *store.Txn) error {
		switch res.Verdict {
		case ribosome.Valid:
			if err := tx.ClearDependencies(row.Hash, store.DepApp); err != nil {
				return err
			}
			return tx.SetValidationStatus(row.Hash, types.StatusValid)
		case ribosome.Invalid:
			if err := tx.SetValidationStatus(row.Hash, types.StatusRejected); err != nil {
				return err
			}
			if warrant != nil {
				_, err := tx.InsertOp(warrant, store.OpFlags{Stage: types.StagePending, WhenReceived: w.now()})
				return err
			}
			return nil
		default:
			for _, dep := range res.Deps {
				if err := tx.RecordDependency(row.Hash, dep, store.DepApp); err != nil {
					return err
				}
			}
			return tx.SetValidationStage(row.Hash, types.StageAwaitingAppDeps)
		}
	})
	if err != nil {
		return fmt.Errorf("commit app validation: %w", err)
	}

	switch res.Verdict {
	case ribosome.Valid:
		w.appRetry.Forget(row.Hash)
		metrics.OpsValidated.WithLabelValues("app", "valid").Inc()
	case ribosome.Invalid:
		w.appRetry.Forget(row.Hash)
		metrics.OpsValidated.WithLabelValues("app", "invalid").Inc()
		w.fact("app_validation", row.Hash, "rejected", res.Reason)
		w.logger.Info("op rejected by app validation", "op", row.Hash.Short(),
			"author", row.Op.Author().Short(), "reason", res.Reason)
		if warrant != nil {
			w.Triggers.SysValidation.Fire()
		}
	default:
		metrics.OpsValidated.WithLabelValues("app", "unresolved").Inc()
		w.fact("app_validation", row.Hash, "awaiting", fmt.Sprintf("%d deps", len(res.Deps)))
	}
	return nil
}

// warrant builds a signed warrant against the author of an invalid op.
func (w *Workspace) warrant(ctx context.Context, op *types.Op, reason string) (*types.Op, error) {
	content := types.WarrantContent{
		Warrantor:  w.cfg.Agent,
		Warrantee:  op.Author(),
		ActionHash: op.ActionHash(),
		OpType:     op.Type,
		Reason:     reason,
		Timestamp:  w.now(),
	}
	if content.Warrantee == content.Warrantor {
		return nil, nil
	}
	sig, err := w.cfg.Signer.Sign(ctx, w.cfg.Agent, content.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign warrant: %w", err)
	}
	return &types.Op{
		Type:    types.OpChainIntegrityWarrant,
		Warrant: &types.Warrant{Content: content, Signature: sig},
	}, nil
}
