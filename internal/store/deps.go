package store

import (
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

// DepKind separates sys validation dependencies from app validation ones.
type DepKind uint8

const (
	DepSys DepKind = iota + 1
	DepApp
)

// RecordDependency notes that op cannot proceed until dep is held.
func (t *Txn) RecordDependency(op, dep hash.Hash, kind DepKind) error {
	_, err := t.exec(`INSERT OR IGNORE INTO OpDependency (op_hash, dep_hash, kind) VALUES (?, ?, ?)`,
		op[:], dep[:], int(kind))
	if err != nil {
		return fmt.Errorf("record dependency: %w", err)
	}
	return nil
}

// ClearDependencies forgets op's dependencies of kind.
func (t *Txn) ClearDependencies(op hash.Hash, kind DepKind) error {
	if _, err := t.exec(`DELETE FROM OpDependency WHERE op_hash = ? AND kind = ?`, op[:], int(kind)); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	return nil
}

// Dependencies lists what op is waiting on.
func (t *Txn) Dependencies(op hash.Hash, kind DepKind) ([]hash.Hash, error) {
	rows, err := t.query(`SELECT dep_hash FROM OpDependency WHERE op_hash = ? AND kind = ? ORDER BY dep_hash`,
		op[:], int(kind))
	if err != nil {
		return nil, fmt.Errorf("dependencies: %w", err)
	}
	return collectHashes(rows)
}

// OpsAwaiting lists the ops waiting on dep, of any kind.
func (t *Txn) OpsAwaiting(dep hash.Hash) ([]hash.Hash, error) {
	rows, err := t.query(`SELECT DISTINCT op_hash FROM OpDependency WHERE dep_hash = ? ORDER BY op_hash`, dep[:])
	if err != nil {
		return nil, fmt.Errorf("ops awaiting: %w", err)
	}
	return collectHashes(rows)
}

// PutReceipt stores a validation receipt. It reports false if an identical
// receipt was already held.
func (t *Txn) PutReceipt(r *types.SignedValidationReceipt) (bool, error) {
	h := r.Hash()
	res, err := t.exec(`INSERT OR IGNORE INTO Receipt (hash, op_hash, blob) VALUES (?, ?, ?)`,
		h[:], r.Receipt.OpHash[:], codec.MustMarshal(r))
	if err != nil {
		return false, fmt.Errorf("put receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put receipt: %w", err)
	}
	return n > 0, nil
}

// ReceiptsFor returns the receipts held for op.
func (t *Txn) ReceiptsFor(op hash.Hash) ([]types.SignedValidationReceipt, error) {
	rows, err := t.query(`SELECT blob FROM Receipt WHERE op_hash = ? ORDER BY hash`, op[:])
	if err != nil {
		return nil, fmt.Errorf("receipts for: %w", err)
	}
	defer rows.Close()
	var out []types.SignedValidationReceipt
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("receipts for: %w", err)
		}
		var r types.SignedValidationReceipt
		if err := codec.Unmarshal(blob, &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
