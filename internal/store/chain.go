package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

// HeadRow is the newest action of an author's chain.
type HeadRow struct {
	Action    hash.Hash
	Seq       uint32
	Timestamp types.Timestamp
}

// ChainHead returns the author's highest-seq action, or ErrNotFound.
func (t *Txn) ChainHead(author hash.Hash) (*HeadRow, error) {
	var (
		b   []byte
		seq int64
		ts  int64
	)
	err := t.queryRow(`SELECT hash, seq, timestamp FROM Action WHERE author = ?
        ORDER BY seq DESC LIMIT 1`, author[:]).Scan(&b, &seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}
	h, err := hash.FromBytes(b)
	if err != nil {
		return nil, err
	}
	return &HeadRow{Action: h, Seq: uint32(seq), Timestamp: types.Timestamp(ts)}, nil
}

func collectActions(rows *sql.Rows) ([]types.SignedAction, error) {
	defer rows.Close()
	var out []types.SignedAction
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var sa types.SignedAction
		if err := codec.Unmarshal(blob, &sa); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// ActionsAtSeq returns every action the author signed at seq. More than one
// means the chain forked.
func (t *Txn) ActionsAtSeq(author hash.Hash, seq uint32) ([]types.SignedAction, error) {
	rows, err := t.query(`SELECT blob FROM Action WHERE author = ? AND seq = ? ORDER BY hash`, author[:], seq)
	if err != nil {
		return nil, fmt.Errorf("actions at seq: %w", err)
	}
	return collectActions(rows)
}

// ChainActions returns the author's actions with from <= seq <= to in
// ascending order.
func (t *Txn) ChainActions(author hash.Hash, from, to uint32) ([]types.SignedAction, error) {
	rows, err := t.query(`SELECT blob FROM Action WHERE author = ? AND seq BETWEEN ? AND ?
        ORDER BY seq, hash`, author[:], from, to)
	if err != nil {
		return nil, fmt.Errorf("chain actions: %w", err)
	}
	return collectActions(rows)
}

// ActionFilter narrows QueryRecords. Zero values match everything.
type ActionFilter struct {
	Types     []types.ActionType
	EntryKind types.EntryKind
	// Descending returns the newest action first.
	Descending bool
}

// QueryRecords returns the author's records that match f, with entries
// attached when held.
func (t *Txn) QueryRecords(author hash.Hash, f ActionFilter) ([]types.Record, error) {
	q := `SELECT hash FROM Action WHERE author = ?`
	args := []any{author[:]}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, ty := range f.Types {
			marks[i] = "?"
			args = append(args, int(ty))
		}
		q += ` AND type IN (` + strings.Join(marks, ",") + `)`
	}
	if f.EntryKind != 0 {
		q += ` AND entry_kind = ?`
		args = append(args, int(f.EntryKind))
	}
	if f.Descending {
		q += ` ORDER BY seq DESC`
	} else {
		q += ` ORDER BY seq`
	}
	rows, err := t.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	hashes, err := collectHashes(rows)
	if err != nil {
		return nil, err
	}
	out := make([]types.Record, 0, len(hashes))
	for _, h := range hashes {
		rec, err := t.GetRecord(h)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ActionsForEntry returns actions that created entryHash.
func (t *Txn) ActionsForEntry(entryHash hash.Hash) ([]types.SignedAction, error) {
	rows, err := t.query(`SELECT blob FROM Action WHERE entry_hash = ? ORDER BY timestamp, hash`, entryHash[:])
	if err != nil {
		return nil, fmt.Errorf("actions for entry: %w", err)
	}
	return collectActions(rows)
}

// CountActions returns the author's chain length.
func (t *Txn) CountActions(author hash.Hash) (int, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM Action WHERE author = ?`, author[:]).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
