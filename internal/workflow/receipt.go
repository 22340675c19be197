package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// Receipts signs a validation receipt for every integrated op that owes
// one and sends them to the op authors, one request per author. Every
// local validator sharing the Dht database signs the same receipt. A
// failed send leaves the ops flagged for the next run.
func (w *Workspace) Receipts(ctx context.Context) (queue.Outcome, error) {
	w.cfg.ReceiptMu.Lock()
	defer w.cfg.ReceiptMu.Unlock()

	var rows []store.OpRow
	err := w.cfg.Dht.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.PendingReceipts()
		return err
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("load pending receipts: %w", err)
	}
	if len(rows) == 0 {
		return queue.Complete, nil
	}

	validators := w.localValidators()
	byAuthor := make(map[hash.Hash][]types.SignedValidationReceipt)
	var authors, unowed []hash.Hash
	for i := range rows {
		r := &rows[i]
		author := r.Op.Author()
		signers := slices.DeleteFunc(slices.Clone(validators), func(v hash.Hash) bool { return v == author })
		if len(signers) == 0 {
			unowed = append(unowed, r.Hash)
			continue
		}
		receipt := types.ValidationReceipt{
			OpHash:         r.Hash,
			Status:         r.Status,
			WhenIntegrated: *r.WhenIntegrated,
			Validators:     signers,
		}
		data := receipt.Bytes()
		sigs := make([]crypto.Signature, len(signers))
		for j, v := range signers {
			if sigs[j], err = w.cfg.Signer.Sign(ctx, v, data); err != nil {
				return queue.Complete, fmt.Errorf("sign receipt as %s: %w", v.Short(), err)
			}
		}
		if _, ok := byAuthor[author]; !ok {
			authors = append(authors, author)
		}
		byAuthor[author] = append(byAuthor[author], types.SignedValidationReceipt{Receipt: receipt, Signatures: sigs})
	}

	delivered := unowed
	for _, author := range authors {
		receipts := byAuthor[author]
		err := network.Call(ctx, w.cfg.Network, network.KindReceipts, w.cfg.Dna, w.cfg.Agent, author,
			network.ReceiptsBody{Receipts: receipts}, nil)
		if err != nil {
			metrics.ReceiptsSent.WithLabelValues("error").Add(float64(len(receipts)))
			w.logger.Info("send validation receipts", "author", author.Short(), "receipts", len(receipts), "err", err)
			continue
		}
		metrics.ReceiptsSent.WithLabelValues("sent").Add(float64(len(receipts)))
		for _, r := range receipts {
			delivered = append(delivered, r.Receipt.OpHash)
		}
	}
	if len(delivered) == 0 {
		return queue.Complete, nil
	}

	err = w.cfg.Dht.Write(ctx, func(tx *store.Txn) error {
		for _, h := range delivered {
			if err := tx.ClearRequiresReceipt(h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queue.Complete, fmt.Errorf("clear receipt flags: %w", err)
	}
	return queue.Complete, nil
}

// localValidators returns the sorted local agents that sign receipts.
func (w *Workspace) localValidators() []hash.Hash {
	var vs []hash.Hash
	if w.cfg.Validators != nil {
		vs = slices.Clone(w.cfg.Validators())
	}
	if !slices.Contains(vs, w.cfg.Agent) {
		vs = append(vs, w.cfg.Agent)
	}
	slices.SortFunc(vs, func(a, b hash.Hash) int { return bytes.Compare(a[:], b[:]) })
	return slices.Compact(vs)
}

// HandleReceipts stores verified receipts for our authored ops and counts
// them toward publish quorum. Receipts already held are not counted twice.
func (w *Workspace) HandleReceipts(ctx context.Context, from hash.Hash, body network.ReceiptsBody) error {
	stored := 0
	err := w.cfg.Authored.Write(ctx, func(tx *store.Txn) error {
		stored = 0
		for i := range body.Receipts {
			r := &body.Receipts[i]
			if err := r.Verify(); err != nil {
				w.logger.Warn("drop validation receipt", "from", from.Short(), "err", err)
				continue
			}
			if r.Receipt.Status != types.StatusValid {
				continue
			}
			row, err := tx.GetOp(r.Receipt.OpHash)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !row.IsAuthored || row.Op.Author() != w.cfg.Agent {
				continue
			}
			added, err := tx.PutReceipt(r)
			if err != nil {
				return err
			}
			if !added {
				continue
			}
			if err := tx.IncrementReceiptCount(r.Receipt.OpHash); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store validation receipts: %w", err)
	}
	w.logger.Debug("received validation receipts", "from", from.Short(), "stored", stored)
	return nil
}
