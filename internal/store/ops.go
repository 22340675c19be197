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

// OpFlags are the lifecycle columns set when an op is first inserted.
type OpFlags struct {
	IsAuthored      bool
	Stage           types.ValidationStage
	Status          types.ValidationStatus
	WhenReceived    types.Timestamp
	WhenIntegrated  *types.Timestamp
	RequiresReceipt bool
	// WithholdPublish keeps an authored op out of publish.
	WithholdPublish bool
}

// OpRow is an op together with its lifecycle state.
type OpRow struct {
	Op              types.Op
	Hash            hash.Hash
	Basis           hash.Hash
	Size            int
	IsAuthored      bool
	Stage           types.ValidationStage
	Status          types.ValidationStatus
	WhenReceived    types.Timestamp
	WhenIntegrated  *types.Timestamp
	RequiresReceipt bool
	Attempts        int
	ReceiptCount    int
	LastPublish     *types.Timestamp
	PublishAttempts int
}

// Integrated reports whether the op is visible to the DHT.
func (r *OpRow) Integrated() bool { return r.WhenIntegrated != nil }

// Ref returns the op's lightweight handle.
func (r *OpRow) Ref() types.OpRef {
	return types.OpRef{Hash: r.Hash, Basis: r.Basis, Size: uint32(r.Size)}
}

const opColumns = `hash, blob, basis_hash, size, is_authored, validation_stage,
    validation_status, when_received, when_integrated, requires_receipt,
    attempts, receipt_count, last_publish_time, publish_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(s rowScanner) (*OpRow, error) {
	var (
		row                         OpRow
		h, blob, basis              []byte
		authored, reqReceipt, stage int
		status                      sql.NullInt64
		whenIntegrated, lastPublish sql.NullInt64
		received                    int64
	)
	if err := s.Scan(&h, &blob, &basis, &row.Size, &authored, &stage, &status,
		&received, &whenIntegrated, &reqReceipt, &row.Attempts, &row.ReceiptCount,
		&lastPublish, &row.PublishAttempts); err != nil {
		return nil, err
	}
	var err error
	if row.Hash, err = hash.FromBytes(h); err != nil {
		return nil, fmt.Errorf("op hash: %w", err)
	}
	if row.Basis, err = hash.FromBytes(basis); err != nil {
		return nil, fmt.Errorf("op basis: %w", err)
	}
	if err := codec.Unmarshal(blob, &row.Op); err != nil {
		return nil, fmt.Errorf("decode op: %w", err)
	}
	row.IsAuthored = authored != 0
	row.RequiresReceipt = reqReceipt != 0
	row.Stage = types.ValidationStage(stage)
	if status.Valid {
		row.Status = types.ValidationStatus(status.Int64)
	}
	row.WhenReceived = types.Timestamp(received)
	row.WhenIntegrated = nullTimestamp(whenIntegrated)
	row.LastPublish = nullTimestamp(lastPublish)
	return &row, nil
}

func nullTimestamp(n sql.NullInt64) *types.Timestamp {
	if !n.Valid {
		return nil
	}
	ts := types.Timestamp(n.Int64)
	return &ts
}

func nullableTimestamp(ts *types.Timestamp) any {
	if ts == nil {
		return nil
	}
	return int64(*ts)
}

func nullableHash(h *hash.Hash) any {
	if h == nil {
		return nil
	}
	return h[:]
}

func nullableStatus(s types.ValidationStatus) any {
	if s == types.StatusNone {
		return nil
	}
	return int(s)
}

func collectOps(rows *sql.Rows) ([]OpRow, error) {
	defer rows.Close()
	var out []OpRow
	for rows.Next() {
		r, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func collectHashes(rows *sql.Rows) ([]hash.Hash, error) {
	defer rows.Close()
	var out []hash.Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		h, err := hash.FromBytes(b)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PutAction stores a signed action if it is not already present.
func (t *Txn) PutAction(sa *types.SignedAction) error {
	a := &sa.Action
	h := sa.Hash()
	var entryKind any
	if a.EntryType != nil {
		entryKind = int(a.EntryType.Kind)
	}
	_, err := t.exec(`INSERT OR IGNORE INTO Action
        (hash, type, author, seq, prev_hash, entry_hash, entry_kind, private_entry, timestamp, blob)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h[:], int(a.Type), a.Author[:], a.Seq, nullableHash(a.PrevAction), nullableHash(a.EntryHash),
		entryKind, boolInt(a.IsPrivateEntry()), int64(a.Timestamp), codec.MustMarshal(sa))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// GetAction returns a stored signed action.
func (t *Txn) GetAction(h hash.Hash) (*types.SignedAction, error) {
	var blob []byte
	err := t.queryRow(`SELECT blob FROM Action WHERE hash = ?`, h[:]).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	var sa types.SignedAction
	if err := codec.Unmarshal(blob, &sa); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &sa, nil
}

// HasAction reports whether the action exists.
func (t *Txn) HasAction(h hash.Hash) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM Action WHERE hash = ?`, h[:]).Scan(&n); err != nil {
		return false, fmt.Errorf("has action: %w", err)
	}
	return n > 0, nil
}

// HasEntry reports whether the entry exists.
func (t *Txn) HasEntry(h hash.Hash) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM Entry WHERE hash = ?`, h[:]).Scan(&n); err != nil {
		return false, fmt.Errorf("has entry: %w", err)
	}
	return n > 0, nil
}

// PutEntry stores an entry if it is not already present.
func (t *Txn) PutEntry(e *types.Entry, private bool) error {
	h := e.Hash()
	_, err := t.exec(`INSERT OR IGNORE INTO Entry (hash, private, blob) VALUES (?, ?, ?)`,
		h[:], boolInt(private), codec.MustMarshal(e))
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// GetEntry returns a stored entry.
func (t *Txn) GetEntry(h hash.Hash) (*types.Entry, error) {
	var blob []byte
	err := t.queryRow(`SELECT blob FROM Entry WHERE hash = ?`, h[:]).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var e types.Entry
	if err := codec.Unmarshal(blob, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

// GetRecord returns the action and, when held, its entry.
func (t *Txn) GetRecord(actionHash hash.Hash) (*types.Record, error) {
	sa, err := t.GetAction(actionHash)
	if err != nil {
		return nil, err
	}
	rec := &types.Record{SignedAction: *sa}
	if eh, _, ok := sa.Action.Entry(); ok {
		e, err := t.GetEntry(eh)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rec.Entry = e
	}
	return rec, nil
}

// InsertOp stores op with the given lifecycle flags. It reports false when
// the op hash is already present, in which case nothing changes.
func (t *Txn) InsertOp(op *types.Op, flags OpFlags) (bool, error) {
	basis, err := op.Basis()
	if err != nil {
		return false, err
	}
	h := op.Hash()
	actionHash := op.ActionHash()
	author := op.Author()
	res, err := t.exec(`INSERT OR IGNORE INTO DhtOp
        (hash, type, action_hash, basis_hash, storage_center_loc, author, authored_timestamp,
         size, blob, is_authored, validation_stage, validation_status, when_received,
         when_integrated, requires_receipt, withhold_publish)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h[:], int(op.Type), actionHash[:], basis[:], int64(basis.Loc()), author[:],
		int64(op.Timestamp()), op.Size(), codec.MustMarshal(op), boolInt(flags.IsAuthored),
		int(flags.Stage), nullableStatus(flags.Status), int64(flags.WhenReceived),
		nullableTimestamp(flags.WhenIntegrated), boolInt(flags.RequiresReceipt),
		boolInt(flags.WithholdPublish))
	if err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if sa := op.SignedAction; sa != nil {
		if err := t.PutAction(sa); err != nil {
			return false, err
		}
		if op.Entry != nil {
			if err := t.PutEntry(op.Entry, sa.Action.IsPrivateEntry()); err != nil {
				return false, err
			}
		}
	}
	if flags.WhenIntegrated != nil {
		if err := t.onIntegrated(op, h, basis, op.Size()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// HasOp reports whether the op exists.
func (t *Txn) HasOp(h hash.Hash) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM DhtOp WHERE hash = ?`, h[:]).Scan(&n); err != nil {
		return false, fmt.Errorf("has op: %w", err)
	}
	return n > 0, nil
}

// GetOp returns one op.
func (t *Txn) GetOp(h hash.Hash) (*OpRow, error) {
	row, err := scanOp(t.queryRow(`SELECT `+opColumns+` FROM DhtOp WHERE hash = ?`, h[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get op: %w", err)
	}
	return row, nil
}

// GetOps returns the integrated ops among hashes. Unknown or unintegrated
// hashes are skipped.
func (t *Txn) GetOps(hashes []hash.Hash) ([]OpRow, error) {
	out := make([]OpRow, 0, len(hashes))
	for _, h := range hashes {
		row, err := t.GetOp(h)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.Integrated() {
			out = append(out, *row)
		}
	}
	return out, nil
}

// OpsByBasis returns ops on basis ordered by type then authoring time.
func (t *Txn) OpsByBasis(basis hash.Hash, integratedOnly bool) ([]OpRow, error) {
	q := `SELECT ` + opColumns + ` FROM DhtOp WHERE basis_hash = ?`
	if integratedOnly {
		q += ` AND when_integrated IS NOT NULL`
	}
	q += ` ORDER BY type, authored_timestamp`
	rows, err := t.query(q, basis[:])
	if err != nil {
		return nil, fmt.Errorf("ops by basis: %w", err)
	}
	return collectOps(rows)
}

// OpsByAction returns every op produced from the action.
func (t *Txn) OpsByAction(actionHash hash.Hash) ([]OpRow, error) {
	rows, err := t.query(`SELECT `+opColumns+` FROM DhtOp WHERE action_hash = ? ORDER BY type`, actionHash[:])
	if err != nil {
		return nil, fmt.Errorf("ops by action: %w", err)
	}
	return collectOps(rows)
}

// OpsByStage returns unfinished ops in any of stages, oldest received first.
// limit <= 0 means no limit.
func (t *Txn) OpsByStage(limit int, stages ...types.ValidationStage) ([]OpRow, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(stages)+1)
	marks := make([]string, len(stages))
	for i, s := range stages {
		marks[i] = "?"
		args = append(args, int(s))
	}
	q := `SELECT ` + opColumns + ` FROM DhtOp
        WHERE validation_status IS NULL AND validation_stage IN (` + strings.Join(marks, ",") + `)
        ORDER BY when_received, hash`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("ops by stage: %w", err)
	}
	return collectOps(rows)
}

// ReadyToIntegrate returns valid ops that are not yet integrated. Rejected
// and abandoned ops are never integrated.
func (t *Txn) ReadyToIntegrate() ([]OpRow, error) {
	rows, err := t.query(`SELECT `+opColumns+` FROM DhtOp
        WHERE validation_status = ? AND when_integrated IS NULL
        ORDER BY when_received, hash`, int(types.StatusValid))
	if err != nil {
		return nil, fmt.Errorf("ready to integrate: %w", err)
	}
	return collectOps(rows)
}

// SetValidationStage moves an unfinished op to stage.
func (t *Txn) SetValidationStage(h hash.Hash, stage types.ValidationStage) error {
	_, err := t.exec(`UPDATE DhtOp SET validation_stage = ? WHERE hash = ? AND validation_status IS NULL`,
		int(stage), h[:])
	if err != nil {
		return fmt.Errorf("set validation stage: %w", err)
	}
	return nil
}

// SetValidationStatus records the terminal verdict. A status, once set, is
// never changed.
func (t *Txn) SetValidationStatus(h hash.Hash, status types.ValidationStatus) error {
	if status == types.StatusNone {
		return errors.New("set validation status: status must be terminal")
	}
	_, err := t.exec(`UPDATE DhtOp SET validation_status = ?, validation_stage = ?
        WHERE hash = ? AND validation_status IS NULL`,
		int(status), int(types.StageAppValidated), h[:])
	if err != nil {
		return fmt.Errorf("set validation status: %w", err)
	}
	return nil
}

// BumpAttempt increments the op's app validation attempt counter and
// returns the new value.
func (t *Txn) BumpAttempt(h hash.Hash) (int, error) {
	var n int
	err := t.queryRow(`UPDATE DhtOp SET attempts = attempts + 1 WHERE hash = ? RETURNING attempts`, h[:]).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump attempt: %w", err)
	}
	return n, nil
}

// SetIntegrated marks an op integrated, indexes its links and folds it into
// the region summary. Integrating an already integrated op is a no-op.
func (t *Txn) SetIntegrated(h hash.Hash, when types.Timestamp, requiresReceipt bool) error {
	row, err := t.GetOp(h)
	if err != nil {
		return err
	}
	if row.Integrated() {
		return nil
	}
	_, err = t.exec(`UPDATE DhtOp SET when_integrated = ?, requires_receipt = ? WHERE hash = ?`,
		int64(when), boolInt(requiresReceipt), h[:])
	if err != nil {
		return fmt.Errorf("set integrated: %w", err)
	}
	return t.onIntegrated(&row.Op, row.Hash, row.Basis, row.Size)
}

func (t *Txn) onIntegrated(op *types.Op, h, basis hash.Hash, size int) error {
	if err := t.indexLink(op); err != nil {
		return err
	}
	return t.toggleRegion(basis.Loc(), op.Timestamp(), h, size)
}

// PendingReceipts returns integrated ops whose author still needs a
// validation receipt.
func (t *Txn) PendingReceipts() ([]OpRow, error) {
	rows, err := t.query(`SELECT ` + opColumns + ` FROM DhtOp
        WHERE requires_receipt = 1 AND when_integrated IS NOT NULL
        ORDER BY author, when_integrated`)
	if err != nil {
		return nil, fmt.Errorf("pending receipts: %w", err)
	}
	return collectOps(rows)
}

// ClearRequiresReceipt marks the op's receipt as sent.
func (t *Txn) ClearRequiresReceipt(h hash.Hash) error {
	if _, err := t.exec(`UPDATE DhtOp SET requires_receipt = 0 WHERE hash = ?`, h[:]); err != nil {
		return fmt.Errorf("clear requires receipt: %w", err)
	}
	return nil
}

// AuthoredOps returns the author's authored ops in chain order.
func (t *Txn) AuthoredOps(author hash.Hash) ([]OpRow, error) {
	rows, err := t.query(`SELECT `+prefixed("d.", opColumns)+` FROM DhtOp d
        JOIN Action a ON a.hash = d.action_hash
        WHERE d.is_authored = 1 AND d.author = ?
        ORDER BY a.seq, d.type`, author[:])
	if err != nil {
		return nil, fmt.Errorf("authored ops: %w", err)
	}
	return collectOps(rows)
}

// OpsToPublish returns authored ops still short of minReceipts whose last
// publish is older than their backoff interval. The interval starts at
// minInterval and doubles per attempt up to maxInterval.
func (t *Txn) OpsToPublish(now types.Timestamp, minInterval, maxInterval int64, minReceipts int) ([]OpRow, error) {
	rows, err := t.query(`SELECT `+prefixed("d.", opColumns)+` FROM DhtOp d
        JOIN Action a ON a.hash = d.action_hash
        WHERE d.is_authored = 1 AND d.withhold_publish = 0 AND d.receipt_count < ?
          AND NOT (d.type = ? AND a.private_entry = 1)
        ORDER BY a.seq, d.type`, minReceipts, int(types.OpStoreEntry))
	if err != nil {
		return nil, fmt.Errorf("ops to publish: %w", err)
	}
	all, err := collectOps(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.LastPublish == nil {
			out = append(out, r)
			continue
		}
		interval := minInterval
		for i := 1; i < r.PublishAttempts && interval < maxInterval; i++ {
			interval *= 2
		}
		if interval > maxInterval {
			interval = maxInterval
		}
		if int64(now)-int64(*r.LastPublish) >= interval {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetLastPublish records a publish attempt.
func (t *Txn) SetLastPublish(h hash.Hash, when types.Timestamp) error {
	_, err := t.exec(`UPDATE DhtOp SET last_publish_time = ?, publish_attempts = publish_attempts + 1
        WHERE hash = ?`, int64(when), h[:])
	if err != nil {
		return fmt.Errorf("set last publish: %w", err)
	}
	return nil
}

// IncrementReceiptCount records one more stored receipt for an op.
func (t *Txn) IncrementReceiptCount(h hash.Hash) error {
	if _, err := t.exec(`UPDATE DhtOp SET receipt_count = receipt_count + 1 WHERE hash = ?`, h[:]); err != nil {
		return fmt.Errorf("increment receipt count: %w", err)
	}
	return nil
}

// OpHashesSince returns integrated op hashes whose authoring time is at or
// after since and whose basis location falls in one of the intervals.
func (t *Txn) OpHashesSince(since types.Timestamp, lo, hi uint32) ([]hash.Hash, error) {
	rows, err := t.query(`SELECT hash FROM DhtOp
        WHERE when_integrated IS NOT NULL AND authored_timestamp >= ?
          AND storage_center_loc BETWEEN ? AND ?
        ORDER BY hash`, int64(since), int64(lo), int64(hi))
	if err != nil {
		return nil, fmt.Errorf("op hashes since: %w", err)
	}
	return collectHashes(rows)
}

// CountOps returns the number of ops, for metrics and tests.
func (t *Txn) CountOps() (total, integrated int, err error) {
	err = t.queryRow(`SELECT COUNT(*), COUNT(when_integrated) FROM DhtOp`).Scan(&total, &integrated)
	if err != nil {
		err = fmt.Errorf("count ops: %w", err)
	}
	return
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
